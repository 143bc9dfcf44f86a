package registry

import (
	"context"
	"deployq/internal/image"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Credentials to a registry. The zero value means anonymous access.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	if c == (Credentials{}) {
		return "<zero creds>"
	}
	return fmt.Sprintf("<registry creds for %s>", c.Username)
}

func (c Credentials) authenticator() authn.Authenticator {
	if c.Username == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: c.Username, Password: c.Password}
}

// Client looks up what a reference currently points at in its registry.
// It is an interface so tests can supply fakes.
type Client interface {
	Digest(ctx context.Context, ref image.Ref, creds Credentials, insecure bool) (string, error)
}

// Remote talks to registries over the distribution API.
type Remote struct {
	Transport http.RoundTripper // http.DefaultTransport when nil
}

// Digest returns the manifest digest of ref with a HEAD request.
func (r Remote) Digest(ctx context.Context, ref image.Ref, creds Credentials, insecure bool) (string, error) {
	var nameOpts []name.Option
	if insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	parsed, err := name.ParseReference(ref.String(), nameOpts...)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", ref, err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(creds.authenticator()),
	}
	if r.Transport != nil {
		opts = append(opts, remote.WithTransport(r.Transport))
	}
	desc, err := remote.Head(parsed, opts...)
	if err != nil {
		return "", fmt.Errorf("head %s: %w", ref, err)
	}
	return desc.Digest.String(), nil
}
