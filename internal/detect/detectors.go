package detect

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rileyhilliard/fleet/internal/util"
)

type laravel struct{}

func (laravel) Kind() Kind { return Laravel }

func (laravel) Match(ctx context.Context, p *Probe, dir string) bool {
	return p.IsFile(ctx, join(dir, "artisan"))
}

func (laravel) Describe(ctx context.Context, p *Probe, dir string) Info {
	return Info{
		Language:         "php",
		LanguageVersion:  Version(p.Output(ctx, "php -r 'echo PHP_VERSION;'")),
		FrameworkVersion: Version(p.In(ctx, dir, "php artisan --version")),
	}
}

type django struct{}

func (django) Kind() Kind { return Django }

func (django) Match(ctx context.Context, p *Probe, dir string) bool {
	return p.IsFile(ctx, join(dir, "manage.py"))
}

func (django) Describe(ctx context.Context, p *Probe, dir string) Info {
	return Info{
		Language:         "python",
		LanguageVersion:  pythonVersion(ctx, p, dir),
		FrameworkVersion: Version(p.In(ctx, dir, "python3 -m django --version")),
	}
}

type flask struct{}

func (flask) Kind() Kind { return Flask }

var flaskRequirement = regexp.MustCompile(`(?im)^\s*flask\b`)

func (flask) Match(ctx context.Context, p *Probe, dir string) bool {
	if flaskRequirement.MatchString(p.Read(ctx, join(dir, "requirements.txt"))) {
		return true
	}
	for _, entry := range []string{"app.py", "wsgi.py"} {
		if p.IsFile(ctx, join(dir, entry)) {
			return true
		}
	}
	return false
}

func (flask) Describe(ctx context.Context, p *Probe, dir string) Info {
	return Info{
		Language:         "python",
		LanguageVersion:  pythonVersion(ctx, p, dir),
		FrameworkVersion: Version(p.In(ctx, dir, "python3 -m pip show flask")),
	}
}

// pythonVersion prefers a project virtualenv over the system interpreter.
func pythonVersion(ctx context.Context, p *Probe, dir string) string {
	for _, venv := range []string{"venv", ".venv"} {
		bin := join(dir, venv+"/bin/python")
		if p.IsFile(ctx, bin) {
			if v := Version(p.Output(ctx, util.ShellQuote(bin)+" --version")); v != "" {
				return v
			}
		}
	}
	return Version(p.Output(ctx, "python3 --version"))
}

type node struct{}

func (node) Kind() Kind { return Node }

func (node) Match(ctx context.Context, p *Probe, dir string) bool {
	return p.IsFile(ctx, join(dir, "package.json"))
}

// nodeFrameworks are checked in order; the first dependency present names
// the framework version.
var nodeFrameworks = []string{"next", "nuxt", "@nestjs/core", "express", "fastify", "koa"}

func (node) Describe(ctx context.Context, p *Probe, dir string) Info {
	info := Info{
		Language:        "node",
		LanguageVersion: Version(p.Output(ctx, "node --version")),
	}

	var manifest struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(p.Read(ctx, join(dir, "package.json"))), &manifest); err != nil {
		return info
	}
	for _, name := range nodeFrameworks {
		if v, ok := manifest.Dependencies[name]; ok {
			info.FrameworkVersion = Version(v)
			break
		}
	}
	return info
}

type static struct{}

func (static) Kind() Kind { return Static }

func (static) Match(ctx context.Context, p *Probe, dir string) bool {
	return p.IsFile(ctx, join(dir, "index.html"))
}

func (static) Describe(context.Context, *Probe, string) Info {
	return Info{Language: "html"}
}
