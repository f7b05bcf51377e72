package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
)

func detectOn(t *testing.T, setup func(c *sshtest.MockClient), dir string) Info {
	t.Helper()
	client := sshtest.NewMockClient("app-host")
	setup(client)
	return Detect(context.Background(), transport.ClientExecutor{Client: client}, dir, logger.Noop())
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *sshtest.MockClient)
		want  Info
	}{
		{
			name: "laravel",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{"/srv/app/artisan": "#!/usr/bin/env php", "/srv/app/public/index.html": ""})
				c.SetOutput(`PHP_VERSION`, "8.2.15")
				c.SetOutput(`artisan --version`, "Laravel Framework 10.48.4\n")
			},
			want: Info{Kind: Laravel, Language: "php", LanguageVersion: "8.2.15", FrameworkVersion: "10.48.4"},
		},
		{
			name: "django with virtualenv",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{
					"/srv/app/manage.py":        "",
					"/srv/app/requirements.txt": "Django==4.2\nflask==3.0\n",
					"/srv/app/venv/bin/python":  "",
				})
				c.SetOutput(`venv/bin/python' --version`, "Python 3.11.4\n")
				c.SetOutput(`django --version`, "4.2.7\n")
			},
			want: Info{Kind: Django, Language: "python", LanguageVersion: "3.11.4", FrameworkVersion: "4.2.7"},
		},
		{
			name: "flask from requirements",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{"/srv/app/requirements.txt": "gunicorn==21.2\nFlask==3.0.0\n"})
				c.SetOutput(`^python3 --version`, "Python 3.10.12\n")
				c.SetOutput(`pip show flask`, "Name: Flask\nVersion: 3.0.0\n")
			},
			want: Info{Kind: Flask, Language: "python", LanguageVersion: "3.10.12", FrameworkVersion: "3.0.0"},
		},
		{
			name: "node with express",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{
					"/srv/app/package.json": `{"name":"api","dependencies":{"express":"^4.18.2","pg":"^8.11.0"}}`,
				})
				c.SetOutput(`node --version`, "v20.11.1\n")
			},
			want: Info{Kind: Node, Language: "node", LanguageVersion: "20.11.1", FrameworkVersion: "4.18.2"},
		},
		{
			name: "node with broken manifest",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{"/srv/app/package.json": "{"})
				c.SetCommandResponse(`node --version`, sshtest.CommandResponse{ExitCode: 127})
			},
			want: Info{Kind: Node, Language: "node"},
		},
		{
			name: "static site",
			setup: func(c *sshtest.MockClient) {
				sshtest.WithFiles(c, map[string]string{"/srv/app/index.html": "<html></html>"})
			},
			want: Info{Kind: Static, Language: "html"},
		},
		{
			name:  "nothing recognizable",
			setup: func(c *sshtest.MockClient) { sshtest.WithDirs(c, []string{"/srv/app"}) },
			want:  Info{Kind: Unknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectOn(t, tt.setup, "/srv/app/"))
		})
	}
}

func TestDetectorsCoverEveryKind(t *testing.T) {
	seen := map[Kind]bool{}
	for _, d := range Detectors() {
		assert.False(t, seen[d.Kind()], "duplicate detector for %s", d.Kind())
		seen[d.Kind()] = true
	}
	for _, k := range []Kind{Laravel, Node, Django, Flask, Static} {
		assert.True(t, seen[k], "no detector for %s", k)
	}
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "10.48.4", Version("Laravel Framework 10.48.4"))
	assert.Equal(t, "20.11.1", Version("v20.11.1"))
	assert.Equal(t, "4.18.2", Version("^4.18.2"))
	assert.Equal(t, "", Version("latest"))
}

func TestInfoApply(t *testing.T) {
	app := &model.Application{Name: "api", Path: "/srv/app"}
	Info{Kind: Node, Language: "node", LanguageVersion: "20.11.1"}.Apply(app)

	assert.Equal(t, "node", app.Kind)
	assert.Equal(t, "node", app.Language)
	assert.Equal(t, "20.11.1", app.LanguageVersion)
	assert.Equal(t, "api", app.Name)
}
