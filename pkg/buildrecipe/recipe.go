// Package buildrecipe models the linear container build that packages the
// verifier: base image, dependency install, source copy, exposed port and
// entrypoint.
package buildrecipe

import (
	"fmt"
	"strconv"
	"strings"

	"verifiedid-verifier/pkg/domain/errors"
)

const domain = "buildrecipe"

// Recipe is a single-image build, optionally preceded by one builder stage.
type Recipe struct {
	Builder *BuildStage

	Base    string
	Workdir string
	Env     []EnvVar

	// Manifest is copied into Workdir before Install runs so the dependency
	// layer is cached independently of the source tree.
	Manifest string
	Install  string

	Copy   CopyStep
	Expose int

	Entrypoint []string
	// UseEntrypoint renders ENTRYPOINT instead of CMD.
	UseEntrypoint bool
}

// BuildStage compiles the application in a separate image.
type BuildStage struct {
	Name     string
	Base     string
	Workdir  string
	Manifest []string
	Install  string
	Build    string
}

// CopyStep copies Src into Dest, from the build context or from a named stage.
type CopyStep struct {
	From string
	Src  []string
	Dest string
}

type EnvVar struct {
	Key   string
	Value string
}

// DefaultRecipe packages the Python verifier behind uvicorn.
func DefaultRecipe() *Recipe {
	return &Recipe{
		Base:    "python:3.11-slim",
		Workdir: "/app",
		Env: []EnvVar{
			{Key: "PYTHONDONTWRITEBYTECODE", Value: "1"},
			{Key: "PYTHONUNBUFFERED", Value: "1"},
		},
		Manifest:   "requirements.txt",
		Install:    "pip install --no-cache-dir -r requirements.txt",
		Copy:       CopyStep{Src: []string{"."}, Dest: "."},
		Expose:     8000,
		Entrypoint: []string{"uvicorn", "Api:app", "--host", "0.0.0.0", "--port", "8000"},
	}
}

// GoRecipe packages this repository as a static binary on a distroless base.
func GoRecipe() *Recipe {
	return &Recipe{
		Builder: &BuildStage{
			Name:     "builder",
			Base:     "golang:1.24-alpine",
			Workdir:  "/src",
			Manifest: []string{"go.mod", "go.sum"},
			Install:  "go mod download",
			Build:    "CGO_ENABLED=0 go build -trimpath -ldflags=\"-s -w\" -o /out/verifier ./cmd/verifier",
		},
		Base:    "gcr.io/distroless/static-debian12:nonroot",
		Workdir: "/app",
		Copy: CopyStep{
			From: "builder",
			Src:  []string{"/out/verifier"},
			Dest: "/usr/local/bin/verifier",
		},
		Expose:        8000,
		Entrypoint:    []string{"verifier", "serve", "--host", "0.0.0.0", "--port", "8000"},
		UseEntrypoint: true,
	}
}

// Validate reports every structural problem with the recipe at once.
func (r *Recipe) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if r.Base == "" {
		add("base image is required")
	}
	if r.Install != "" && r.Manifest == "" {
		add("install command %q has no manifest", r.Install)
	}
	if r.Expose < 1 || r.Expose > 65535 {
		add("exposed port %d is outside 1-65535", r.Expose)
	}
	if len(r.Copy.Src) == 0 || r.Copy.Dest == "" {
		add("copy step needs a source and a destination")
	}

	if len(r.Entrypoint) == 0 || strings.TrimSpace(r.Entrypoint[0]) == "" {
		add("entrypoint is required")
	} else if port, ok := entrypointPort(r.Entrypoint); ok && port != r.Expose {
		add("entrypoint listens on port %d but the recipe exposes %d", port, r.Expose)
	}

	if b := r.Builder; b != nil {
		if b.Name == "" {
			add("builder stage needs a name")
		}
		if b.Base == "" {
			add("builder stage needs a base image")
		}
		if b.Build == "" {
			add("builder stage needs a build command")
		}
		if b.Install != "" && len(b.Manifest) == 0 {
			add("builder install command %q has no manifest", b.Install)
		}
		if r.Copy.From != "" && r.Copy.From != b.Name {
			add("copy refers to stage %q but the builder is %q", r.Copy.From, b.Name)
		}
	} else if r.Copy.From != "" {
		add("copy refers to stage %q but the recipe has no builder", r.Copy.From)
	}

	if len(problems) > 0 {
		return errors.New(errors.CodeRecipeInvalid, domain, strings.Join(problems, "; "), nil)
	}
	return nil
}

// Manifests lists the build-context files the recipe installs dependencies from.
func (r *Recipe) Manifests() []string {
	var out []string
	if r.Builder != nil {
		out = append(out, r.Builder.Manifest...)
	}
	if r.Manifest != "" {
		out = append(out, r.Manifest)
	}
	return out
}

// entrypointPort finds the value of a --port flag in either "--port N" or "--port=N" form.
func entrypointPort(args []string) (int, bool) {
	for i, arg := range args {
		var value string
		switch {
		case arg == "--port" && i+1 < len(args):
			value = args[i+1]
		case strings.HasPrefix(arg, "--port="):
			value = strings.TrimPrefix(arg, "--port=")
		default:
			continue
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			return -1, true
		}
		return port, true
	}
	return 0, false
}
