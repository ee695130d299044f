// Package language holds the static table of runtimes the sandbox can execute.
package language

import (
	"fmt"
	"strings"

	"github.com/dontdude/goxec-engine/internal/domain"
)

// Profile describes how to run one language inside a prebuilt runtime image.
type Profile struct {
	ID         string
	Image      string
	SourceFile string

	// Command builds the container argv for the given source filename.
	Command func(filename string) []string

	// SourceName, when set, derives the source filename from the code at job time.
	SourceName func(code string) (string, error)
}

// Prepare resolves the source filename and argv for one job.
func (p Profile) Prepare(code string) (filename string, argv []string, err error) {
	filename = p.SourceFile
	if p.SourceName != nil {
		if filename, err = p.SourceName(code); err != nil {
			return "", nil, err
		}
	}
	return filename, p.Command(filename), nil
}

// Registry maps language ids to profiles. It is immutable once built.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the given profiles. Later duplicates win.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

// NewDefaultRegistry returns the registry of built-in profiles.
func NewDefaultRegistry() *Registry {
	return NewRegistry(Builtin()...)
}

// Lookup returns the profile registered for id.
func (r *Registry) Lookup(id string) (Profile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// Resolve is Lookup with the miss reported as domain.ErrUnsupportedLanguage.
func (r *Registry) Resolve(id string) (Profile, error) {
	p, ok := r.Lookup(id)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedLanguage, id)
	}
	return p, nil
}

// Images lists the distinct runtime images referenced by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, p := range r.profiles {
		if !seen[p.Image] {
			seen[p.Image] = true
			images = append(images, p.Image)
		}
	}
	return images
}

// Builtin returns the five shipped profiles.
func Builtin() []Profile {
	return []Profile{
		{
			ID:         "python",
			Image:      "python:3.12-slim",
			SourceFile: "main.py",
			Command:    func(f string) []string { return []string{"python", f} },
		},
		{
			ID:         "nodejs",
			Image:      "node:18-alpine",
			SourceFile: "main.js",
			Command:    func(f string) []string { return []string{"node", f} },
		},
		{
			ID:         "java",
			Image:      "openjdk:17-alpine",
			SourceFile: "Main.java",
			Command: func(f string) []string {
				return shell(fmt.Sprintf("javac %s && java %s", f, strings.TrimSuffix(f, ".java")))
			},
			SourceName: javaSourceName,
		},
		{
			ID:         "c",
			Image:      "gcc:latest",
			SourceFile: "main.c",
			Command:    func(f string) []string { return shell(fmt.Sprintf("gcc %s -o main.out && ./main.out", f)) },
		},
		{
			ID:         "cpp",
			Image:      "gcc:latest",
			SourceFile: "main.cpp",
			Command:    func(f string) []string { return shell(fmt.Sprintf("g++ %s -o main.out && ./main.out", f)) },
		},
	}
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

func javaSourceName(code string) (string, error) {
	class, ok := ExtractJavaClass(code)
	if !ok {
		return "", domain.ErrJavaClassNotFound
	}
	return class + ".java", nil
}
