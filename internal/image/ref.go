package image

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const LatestTag = "latest"

// Docker Hub domains. References on them render without the domain, the
// way the docker CLI names them.
var hubDomains = map[string]bool{"docker.io": true, "index.docker.io": true, "registry-1.docker.io": true}

var (
	ErrInvalidRef   = errors.New("invalid image reference")
	ErrBlankRef     = fmt.Errorf("%w: blank image name", ErrInvalidRef)
	ErrMalformedRef = fmt.Errorf("%w: expected [domain/]path[:tag][@digest]", ErrInvalidRef)
)

var (
	domainComponent = `([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`
	domainRegexp    = regexp.MustCompile(fmt.Sprintf(`^(localhost|(%s([.]%s)+))(:[0-9]+)?$|^%s:[0-9]+$`, domainComponent, domainComponent, domainComponent))
	pathComponent   = `[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*`
	pathRegexp      = regexp.MustCompile(fmt.Sprintf(`^%s(?:/%s)*$`, pathComponent, pathComponent))
	tagRegexp       = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
	digestRegexp    = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
)

// Ref identifies an image in a registry.
//
// Examples (stringified):
//   - acct/job-autoapply:latest
//   - ghcr.io/acct/job-autoapply:3f2c1a9b0d4e
//   - localhost:5000/acct/job-autoapply@sha256:...
type Ref struct {
	Domain string
	Image  string
	Tag    string
	Digest string
}

// New builds a reference for <account>/<name> on domain. An empty account
// leaves the name unqualified.
func New(domain, account, name, tag string) Ref {
	img := name
	if account != "" {
		img = account + "/" + name
	}
	return Ref{Domain: domain, Image: img, Tag: tag}
}

// Name is the reference without tag or digest. Docker Hub references
// keep only the repository path.
func (r Ref) Name() string {
	if r.Domain == "" || hubDomains[strings.ToLower(r.Domain)] {
		return r.Image
	}
	return r.Domain + "/" + r.Image
}

func (r Ref) String() string {
	s := r.Name()
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

func (r Ref) WithTag(tag string) Ref {
	r.Tag = tag
	r.Digest = ""
	return r
}

func (r Ref) WithDigest(digest string) Ref {
	r.Digest = digest
	return r
}

// Validate checks the tag and digest grammar.
func (r Ref) Validate() error {
	if r.Image == "" {
		return ErrBlankRef
	}
	if strings.HasPrefix(r.Image, "/") || strings.HasSuffix(r.Image, "/") || strings.Contains(r.Image, "//") {
		return ErrMalformedRef
	}
	if r.Image != strings.ToLower(r.Image) {
		return fmt.Errorf("%w: repository must be lowercase: %s", ErrInvalidRef, r.Image)
	}
	if !pathRegexp.MatchString(r.Image) {
		return fmt.Errorf("%w: bad repository %q", ErrInvalidRef, r.Image)
	}
	if r.Tag != "" && !tagRegexp.MatchString(r.Tag) {
		return fmt.Errorf("%w: bad tag %q", ErrInvalidRef, r.Tag)
	}
	if r.Digest != "" && !digestRegexp.MatchString(r.Digest) {
		return fmt.Errorf("%w: bad digest %q", ErrInvalidRef, r.Digest)
	}
	return nil
}

// ParseRef parses [domain/]path[:tag][@digest]. The first path element is
// taken as a domain only when it looks like one (has a dot or port, or is
// localhost).
func ParseRef(s string) (Ref, error) {
	var ref Ref
	if s == "" {
		return ref, ErrBlankRef
	}

	if at := strings.Index(s, "@"); at >= 0 {
		ref.Digest = s[at+1:]
		s = s[:at]
	}

	rest := s
	if slash := strings.Index(s, "/"); slash > 0 && domainRegexp.MatchString(s[:slash]) {
		ref.Domain = s[:slash]
		rest = s[slash+1:]
	}

	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		if colon == 0 || colon == len(rest)-1 {
			return Ref{}, ErrMalformedRef
		}
		ref.Tag = rest[colon+1:]
		rest = rest[:colon]
	}
	ref.Image = rest

	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}
