package language

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sakif/code-executor/internal/apperror"
)

// Registry resolves language keys to profiles. Lookups are exact-match and
// case-sensitive.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the given profiles. Keys must be unique.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Key]; dup {
			return nil, fmt.Errorf("language: duplicate profile key %q", p.Key)
		}
		p.Command = append([]string(nil), p.Command...)
		r.profiles[p.Key] = p
	}
	return r, nil
}

// Default returns a registry holding the builtin table.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the profile registered under key. Unknown keys are a
// client error.
func (r *Registry) Resolve(key string) (Profile, error) {
	p, ok := r.profiles[key]
	if !ok {
		return Profile{}, apperror.ValidationFailed("language", fmt.Sprintf("unsupported language %q", key))
	}
	return p, nil
}

// Keys lists the registered language keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.profiles))
	for k := range r.profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Images lists the distinct images of the registered profiles in sorted
// order, for pre-pulling at startup.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.profiles))
	images := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	sort.Strings(images)
	return images
}

// profileFile is the on-disk shape of a LANGUAGES_FILE.
type profileFile struct {
	Languages map[string]Profile `yaml:"languages"`
}

// Load builds a registry from the builtin table with the profiles in path
// merged over it. Entries in the file replace builtin entries with the same
// key. An empty path yields the builtin table.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("language: reading %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("language: parsing profiles: %w", err)
	}

	merged := make(map[string]Profile)
	for _, p := range Builtin() {
		merged[p.Key] = p
	}
	for key, p := range file.Languages {
		p.Key = key
		merged[key] = p
	}

	profiles := make([]Profile, 0, len(merged))
	for _, p := range merged {
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles...)
}
