// Package detect identifies the framework an application directory is built
// on and the language and framework versions it runs.
package detect

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/util"
)

// Kind is an application framework.
type Kind string

const (
	Laravel Kind = "laravel"
	Node    Kind = "node"
	Django  Kind = "django"
	Flask   Kind = "flask"
	Static  Kind = "static"
	Unknown Kind = "unknown"
)

// Info is what detection learned about an application directory.
type Info struct {
	Kind             Kind
	Language         string
	LanguageVersion  string
	FrameworkVersion string
}

// Apply copies the detected fields onto app.
func (i Info) Apply(app *model.Application) {
	app.Kind = string(i.Kind)
	app.Language = i.Language
	app.LanguageVersion = i.LanguageVersion
	app.FrameworkVersion = i.FrameworkVersion
}

// Detector recognizes one framework.
type Detector interface {
	Kind() Kind
	// Match reports whether dir looks like this framework.
	Match(ctx context.Context, p *Probe, dir string) bool
	// Describe fills in language and versions. Lookups that fail leave
	// the field empty.
	Describe(ctx context.Context, p *Probe, dir string) Info
}

// Detectors returns the built-in detectors in match order. More specific
// layouts come first: a Django project may also carry a requirements file
// naming Flask, and most projects ship an index.html somewhere.
func Detectors() []Detector {
	return []Detector{laravel{}, django{}, flask{}, node{}, static{}}
}

// Detect runs each detector against dir in order and returns the first
// match, or Unknown.
func Detect(ctx context.Context, exec transport.Executor, dir string, log logger.Logger) Info {
	if log == nil {
		log = logger.Noop()
	}
	p := &Probe{exec: exec, log: log}
	dir = strings.TrimRight(dir, "/")

	for _, d := range Detectors() {
		if d.Match(ctx, p, dir) {
			info := d.Describe(ctx, p, dir)
			info.Kind = d.Kind()
			log.Debug("%s looks like a %s application", dir, info.Kind)
			return info
		}
	}
	return Info{Kind: Unknown}
}

// Probe runs the small file and version checks detectors need. Every
// failure is treated as "no".
type Probe struct {
	exec transport.Executor
	log  logger.Logger
}

// IsFile reports whether name exists as a regular file.
func (p *Probe) IsFile(ctx context.Context, name string) bool {
	res, err := p.exec.Execute(ctx, "test -f "+util.ShellQuote(name))
	return err == nil && res.OK()
}

// Read returns the content of a file, or "" when it cannot be read.
func (p *Probe) Read(ctx context.Context, name string) string {
	return p.Output(ctx, "cat "+util.ShellQuote(name))
}

// Output returns trimmed stdout of cmd, or "" on any failure.
func (p *Probe) Output(ctx context.Context, cmd string) string {
	res, err := p.exec.Execute(ctx, cmd)
	if err != nil || !res.OK() {
		p.log.Debug("detection probe %q failed: %v", cmd, err)
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// In runs cmd with dir as the working directory.
func (p *Probe) In(ctx context.Context, dir, cmd string) string {
	return p.Output(ctx, "cd "+util.ShellQuotePreserveTilde(dir)+" && "+cmd)
}

var versionNumber = regexp.MustCompile(`\d+(?:\.\d+)+`)

// Version extracts the first dotted version number from text.
func Version(text string) string {
	return versionNumber.FindString(text)
}

func join(dir, name string) string {
	return path.Join(dir, name)
}
