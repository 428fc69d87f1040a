package languages

import (
	"errors"
	"sync"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

// Registry is the fixed table of supported languages. Adding a language is a
// table edit (or a YAML entry), not a code change anywhere else.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	return langs
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.11-slim",
			SourceFile: "user_code.py",
			RunCommand: []string{"python", "{entry}"},
		},
	})

	r.Register(Language{
		ID:   "node",
		Name: "Node.js",
		Config: RuntimeConfig{
			Image:      "node:20-slim",
			SourceFile: "user_code.js",
			RunCommand: []string{"node", "{entry}"},
		},
	})
}
