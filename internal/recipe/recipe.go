// Package recipe renders the canonical two-stage container build for a
// Python ASGI service: a disposable builder stage with compilers and native
// headers, and a runtime stage that receives only the installed packages.
package recipe

import (
	"bytes"
	"deployq/internal/image"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// Browser is the optional headless browser installed in the runtime stage.
type Browser struct {
	Packages   []string `yaml:"packages"`
	BinaryPath string   `yaml:"binary_path"`
	DriverPath string   `yaml:"driver_path"`
}

// Recipe describes the container build.
type Recipe struct {
	BaseImage       string            `yaml:"base_image"`
	BuildPackages   []string          `yaml:"build_packages"`
	RuntimePackages []string          `yaml:"runtime_packages"`
	Browser         *Browser          `yaml:"browser"`
	Manifest        string            `yaml:"manifest"`
	InstallPrefix   string            `yaml:"install_prefix"`
	AppDir          string            `yaml:"app_dir"`
	User            string            `yaml:"user"`
	Port            int               `yaml:"port"`
	Command         []string          `yaml:"command"`
	Env             map[string]string `yaml:"env"`
}

// Toolchain lists packages that must never reach the runtime stage.
var Toolchain = []string{"build-essential", "gcc", "g++", "cpp", "make", "clang", "cc", "libc6-dev", "python3-dev"}

const (
	defaultPort          = 8000
	defaultBrowserBinary = "/usr/bin/chromium"
	defaultDriverBinary  = "/usr/bin/chromedriver"
)

// Default returns the recipe of the job-autoapply service.
func Default() Recipe {
	r := Recipe{
		BaseImage:       "python:3.11-slim",
		BuildPackages:   []string{"build-essential", "gcc", "libpq-dev", "libffi-dev"},
		RuntimePackages: []string{"libpq5", "ca-certificates"},
		Browser: &Browser{
			Packages: []string{"chromium", "chromium-driver", "fonts-liberation", "libnss3", "libxss1", "libgbm1", "libasound2"},
		},
		Command: []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"},
	}
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills unset fields.
func (r *Recipe) ApplyDefaults() {
	if r.BaseImage == "" {
		r.BaseImage = "python:3.11-slim"
	}
	if r.Manifest == "" {
		r.Manifest = "requirements.txt"
	}
	if r.InstallPrefix == "" {
		r.InstallPrefix = "/install"
	}
	if r.AppDir == "" {
		r.AppDir = "/app"
	}
	if r.User == "" {
		r.User = "appuser"
	}
	if r.Port == 0 {
		r.Port = defaultPort
	}
	if len(r.Command) == 0 {
		r.Command = []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", fmt.Sprint(r.Port)}
	}
	if r.Browser != nil {
		if r.Browser.BinaryPath == "" {
			r.Browser.BinaryPath = defaultBrowserBinary
		}
		if r.Browser.DriverPath == "" {
			r.Browser.DriverPath = defaultDriverBinary
		}
	}
}

// Values interpolated into Dockerfile instructions or shell lines.
var (
	userRegexp    = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	absPathRegexp = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
	relPathRegexp = regexp.MustCompile(`^[A-Za-z0-9._-][A-Za-z0-9._/-]*$`)
	envKeyRegexp  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func (r Recipe) Validate() error {
	var errs []error
	if r.BaseImage == "" {
		errs = append(errs, errors.New("base image is required"))
	} else if _, err := image.ParseRef(r.BaseImage); err != nil {
		errs = append(errs, fmt.Errorf("base image %q: %w", r.BaseImage, err))
	}
	if r.User == "" || r.User == "root" || r.User == "0" {
		errs = append(errs, fmt.Errorf("runtime user must be a non-root account, got %q", r.User))
	} else if !userRegexp.MatchString(r.User) {
		errs = append(errs, fmt.Errorf("invalid user name %q", r.User))
	}
	if !relPathRegexp.MatchString(r.Manifest) || strings.Contains(r.Manifest, "..") {
		errs = append(errs, fmt.Errorf("manifest %q must be a relative path inside the build context", r.Manifest))
	}
	for k := range r.Env {
		if !envKeyRegexp.MatchString(k) {
			errs = append(errs, fmt.Errorf("invalid environment variable name %q", k))
		}
	}
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", r.Port))
	}
	if len(r.Command) == 0 {
		errs = append(errs, errors.New("command is required"))
	}
	paths := []string{r.InstallPrefix, r.AppDir}
	if r.Browser != nil {
		paths = append(paths, r.Browser.BinaryPath, r.Browser.DriverPath)
	}
	for _, p := range paths {
		if !path.IsAbs(p) || !absPathRegexp.MatchString(p) {
			errs = append(errs, fmt.Errorf("path %q must be a plain absolute path", p))
		}
	}
	if r.InstallPrefix == "/" || r.InstallPrefix == "/usr" || r.InstallPrefix == "/usr/local" {
		errs = append(errs, fmt.Errorf("install prefix %q would copy the builder toolchain", r.InstallPrefix))
	}
	runtime := append([]string(nil), r.RuntimePackages...)
	if r.Browser != nil {
		runtime = append(runtime, r.Browser.Packages...)
	}
	for _, pkg := range runtime {
		if isToolchain(pkg) {
			errs = append(errs, fmt.Errorf("toolchain package %q is not allowed in the runtime stage", pkg))
		}
	}
	for _, pkg := range append(append([]string(nil), r.BuildPackages...), runtime...) {
		if strings.ContainsAny(pkg, " \t\n;&|$`\\") {
			errs = append(errs, fmt.Errorf("invalid package name %q", pkg))
		}
	}
	return errors.Join(errs...)
}

func isToolchain(pkg string) bool {
	name := pkg
	if i := strings.IndexAny(name, "=:"); i >= 0 {
		name = name[:i]
	}
	for _, t := range Toolchain {
		if name == t {
			return true
		}
	}
	// versioned compilers such as gcc-12 or clang-16
	for _, prefix := range []string{"gcc-", "g++-", "clang-"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

//go:embed dockerfile.tmpl
var dockerfileTemplate string

var tmpl = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"packages": packageList,
	"base":     path.Base,
	"json":     toJSON,
}).Parse(dockerfileTemplate))

// Render produces the Dockerfile for r after applying defaults.
func Render(r Recipe) ([]byte, error) {
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}

	view := struct {
		Recipe
		RuntimeAll []string
		EnvPairs   []string
	}{Recipe: r}
	view.RuntimeAll = append(view.RuntimeAll, r.RuntimePackages...)
	env := map[string]string{}
	for k, v := range r.Env {
		env[k] = v
	}
	if r.Browser != nil {
		view.RuntimeAll = append(view.RuntimeAll, r.Browser.Packages...)
		env["CHROME_BIN"] = r.Browser.BinaryPath
		env["CHROMEDRIVER_PATH"] = r.Browser.DriverPath
	}
	for k, v := range env {
		view.EnvPairs = append(view.EnvPairs, k+"="+toJSON(v))
	}
	sort.Strings(view.EnvPairs)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

func packageList(pkgs []string) string {
	sorted := append([]string(nil), pkgs...)
	sort.Strings(sorted)
	return strings.Join(sorted, " \\\n        ")
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
