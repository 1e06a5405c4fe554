package runner

import (
	"fmt"
	"strings"
)

// UnsupportedLanguageError is returned by Lookup for an unknown language id.
type UnsupportedLanguageError struct {
	Language  string
	Supported []Language
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}

// SupportedIDs returns the supported languages as plain strings.
func (e *UnsupportedLanguageError) SupportedIDs() []string {
	ids := make([]string, len(e.Supported))
	for i, l := range e.Supported {
		ids[i] = string(l)
	}
	return ids
}

// Registry maps language ids to runners.
type Registry struct {
	runners map[Language]Runner
}

// NewRegistry builds the registry. overrides replaces the toolchain prefix of
// individual languages (e.g. {"python": ["python3.12"]}); the set of
// languages itself is fixed.
func NewRegistry(overrides map[string][]string) (*Registry, error) {
	r := &Registry{runners: make(map[Language]Runner, len(languages))}
	for _, lang := range languages {
		r.runners[lang] = builtin(lang)
	}

	for id, toolchain := range overrides {
		lang := Language(id)
		run, ok := r.runners[lang]
		if !ok {
			return nil, fmt.Errorf("toolchain override for unknown language %q", id)
		}
		if len(toolchain) == 0 || strings.TrimSpace(toolchain[0]) == "" {
			return nil, fmt.Errorf("toolchain override for %q is empty", id)
		}
		run.toolchain = append([]string(nil), toolchain...)
		r.runners[lang] = run
	}
	return r, nil
}

// Lookup resolves a language id. An empty id selects Default.
func (r *Registry) Lookup(id string) (Runner, error) {
	if id == "" {
		id = string(Default)
	}
	run, ok := r.runners[Language(id)]
	if !ok {
		return Runner{}, &UnsupportedLanguageError{Language: id, Supported: r.Supported()}
	}
	return run, nil
}

// Supported returns the registered languages in registration order.
func (r *Registry) Supported() []Language {
	return Languages()
}

// Runners returns every runner in registration order.
func (r *Registry) Runners() []Runner {
	out := make([]Runner, 0, len(languages))
	for _, lang := range languages {
		out = append(out, r.runners[lang])
	}
	return out
}

// ForExtension returns the runner whose source extension matches ext
// (including the leading dot).
func (r *Registry) ForExtension(ext string) (Runner, bool) {
	for _, lang := range languages {
		if run := r.runners[lang]; run.Extension == ext {
			return run, true
		}
	}
	return Runner{}, false
}
