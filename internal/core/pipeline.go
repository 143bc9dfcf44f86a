package core

import (
	"deployq/internal/image"
	"deployq/internal/recipe"
	"deployq/pkg/utils"
	"fmt"
	"strings"
)

// Pipeline represents the entire CI/CD pipeline
type Pipeline struct {
	Name    string            `yaml:"name"`
	Trigger Trigger           `yaml:"trigger"`
	Secrets map[string]string `yaml:"secrets"` // logical name -> secret store name
	Stages  []Stage           `yaml:"stages"`  // run in declaration order
}

// Trigger selects the pushes that start a run.
type Trigger struct {
	Branch string `yaml:"branch"`
}

// Matches reports whether a push to branch (short name or refs/heads/...) fires the pipeline.
func (t Trigger) Matches(branch string) bool {
	if t.Branch == "" {
		return true
	}
	return strings.TrimPrefix(branch, "refs/heads/") == t.Branch
}

type StageKind string

const (
	KindSteps  StageKind = "steps"
	KindImage  StageKind = "image"
	KindDeploy StageKind = "deploy"
)

// Stage is a named unit of work. Exactly one of Steps, Image or Deploy is set.
type Stage struct {
	Name      string            `yaml:"name"`
	Needs     []string          `yaml:"needs"`
	Container string            `yaml:"container"` // runtime image the steps run in, host shell when empty
	Env       map[string]string `yaml:"env"`
	Steps     []Step            `yaml:"steps"`
	Image     *ImageSpec        `yaml:"image"`
	Deploy    *DeploySpec       `yaml:"deploy"`
}

func (s Stage) Kind() StageKind {
	switch {
	case s.Image != nil:
		return KindImage
	case s.Deploy != nil:
		return KindDeploy
	default:
		return KindSteps
	}
}

// ImageSpec builds and pushes one image. Username and Password are logical
// secret names.
type ImageSpec struct {
	Registry          string         `yaml:"registry"`
	Account           string         `yaml:"account"`
	Name              string         `yaml:"name"`
	Tags              []string       `yaml:"tags"`
	CommitTag         bool           `yaml:"commit_tag"`
	Dockerfile        string         `yaml:"dockerfile"`
	Recipe            *recipe.Recipe `yaml:"recipe"`
	Context           string         `yaml:"context"`
	Username          string         `yaml:"username"`
	Password          string         `yaml:"password"`
	Insecure          bool           `yaml:"insecure"`
	SkipVerify        bool           `yaml:"skip_verify"`
	VerifyNoToolchain []string       `yaml:"verify_no_toolchain"`
}

// CommitTagLength is how much of the commit hash an immutable tag keeps.
const CommitTagLength = 12

// Refs returns every reference the stage pushes and the one handed to
// deployment: the commit tag when enabled, the first tag otherwise.
func (s ImageSpec) Refs(commit string) (primary image.Ref, all []image.Ref) {
	repo := image.New(s.Registry, s.Account, s.Name, "")
	for _, tag := range s.Tags {
		all = append(all, repo.WithTag(tag))
	}
	if s.CommitTag && commit != "" {
		ref := repo.WithTag(utils.ShortHash(commit, CommitTagLength))
		all = append(all, ref)
		return ref, all
	}
	if len(all) == 0 {
		return image.Ref{}, nil
	}
	return all[0], all
}

// DeploySpec runs Script on a remote host over SSH. Host, User, PrivateKey
// and KnownHosts are logical secret names.
type DeploySpec struct {
	Host            string `yaml:"host"`
	User            string `yaml:"user"`
	Port            int    `yaml:"port"`
	PrivateKey      string `yaml:"private_key"`
	KnownHosts      string `yaml:"known_hosts"`
	HostFingerprint string `yaml:"host_fingerprint"`
	Script          string `yaml:"script"`
	PinDigest       bool   `yaml:"pin_digest"`
}

func (p *Pipeline) applyDefaults() {
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Image != nil {
			if len(s.Image.Tags) == 0 {
				s.Image.Tags = []string{image.LatestTag}
			}
			if s.Image.Context == "" {
				s.Image.Context = "."
			}
			if s.Image.Dockerfile == "" && s.Image.Recipe == nil {
				s.Image.Dockerfile = "Dockerfile"
			}
			if s.Image.Recipe != nil {
				s.Image.Recipe.ApplyDefaults()
			}
		}
		if s.Deploy != nil && s.Deploy.Port == 0 {
			s.Deploy.Port = 22
		}
	}
}

// Stage returns the stage with the given name.
func (p *Pipeline) Stage(name string) (Stage, int, bool) {
	for i, s := range p.Stages {
		if s.Name == name {
			return s, i, true
		}
	}
	return Stage{}, -1, false
}

// Validate checks the structural invariants of the definition.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return invalid("no stages defined")
	}
	seen := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			return invalid("stage %d has no name", i+1)
		}
		if _, dup := seen[s.Name]; dup {
			return invalid("duplicate stage %q", s.Name)
		}
		for _, need := range s.Needs {
			if _, ok := seen[need]; !ok {
				return invalid("stage %q needs %q, which is not declared before it", s.Name, need)
			}
		}
		seen[s.Name] = i

		if err := p.validateStage(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) validateStage(s Stage) error {
	kinds := 0
	if len(s.Steps) > 0 {
		kinds++
	}
	if s.Image != nil {
		kinds++
	}
	if s.Deploy != nil {
		kinds++
	}
	if kinds != 1 {
		return invalid("stage %q must define exactly one of steps, image or deploy", s.Name)
	}

	switch s.Kind() {
	case KindSteps:
		for j, step := range s.Steps {
			if strings.TrimSpace(step.Run) == "" {
				return invalid("stage %q step %d has nothing to run", s.Name, j+1)
			}
			if step.Timeout < 0 {
				return invalid("stage %q step %d has a negative timeout", s.Name, j+1)
			}
		}
	case KindImage:
		img := s.Image
		if img.Name == "" {
			return invalid("stage %q: image name is required", s.Name)
		}
		if img.Dockerfile != "" && img.Recipe != nil {
			return invalid("stage %q: dockerfile and recipe are mutually exclusive", s.Name)
		}
		if img.Recipe != nil {
			if err := img.Recipe.Validate(); err != nil {
				return invalid("stage %q: %v", s.Name, err)
			}
		}
		if _, refs := img.Refs(strings.Repeat("0", 40)); len(refs) > 0 {
			for _, ref := range refs {
				if err := ref.Validate(); err != nil {
					return invalid("stage %q: %v", s.Name, err)
				}
			}
		}
		if (img.Username == "") != (img.Password == "") {
			return invalid("stage %q: registry username and password must be set together", s.Name)
		}
		if err := p.checkSecretRefs(s.Name, img.Username, img.Password); err != nil {
			return err
		}
	case KindDeploy:
		d := s.Deploy
		if d.Script == "" {
			return invalid("stage %q: deploy script is required", s.Name)
		}
		if d.Host == "" || d.User == "" || d.PrivateKey == "" || d.KnownHosts == "" {
			return invalid("stage %q: deploy needs host, user, private_key and known_hosts secrets", s.Name)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return invalid("stage %q: invalid port %d", s.Name, d.Port)
		}
		if d.HostFingerprint != "" && !strings.HasPrefix(d.HostFingerprint, "SHA256:") {
			return invalid("stage %q: host_fingerprint must be a SHA256: fingerprint", s.Name)
		}
		if _, ok := p.imageNeed(s); !ok {
			return invalid("stage %q: deploy must need an image stage", s.Name)
		}
		if err := p.checkSecretRefs(s.Name, d.Host, d.User, d.PrivateKey, d.KnownHosts); err != nil {
			return err
		}
	}
	return nil
}

// imageNeed returns the last image stage listed in s.Needs.
func (p *Pipeline) imageNeed(s Stage) (string, bool) {
	found := ""
	for _, need := range s.Needs {
		if st, _, ok := p.Stage(need); ok && st.Kind() == KindImage {
			found = need
		}
	}
	return found, found != ""
}

func (p *Pipeline) checkSecretRefs(stage string, names ...string) error {
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := p.Secrets[n]; !ok {
			return invalid("stage %q references undeclared secret %q", stage, n)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPipeline, fmt.Sprintf(format, args...))
}
