package languages

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// fileEntry is one language definition in the optional table file.
type fileEntry struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Image      string `yaml:"image"`
	SourceFile string `yaml:"source_file"`
	Run        string `yaml:"run"`
}

type languagesFile struct {
	Languages []fileEntry `yaml:"languages"`
}

// LoadFile merges language definitions from a YAML file into the registry,
// overriding built-ins that share an ID. The run command is a template string
// split with shlex, so quoting works but no shell is ever involved; it must
// reference {entry} so the command stays bound to the entry filename.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read languages file: %w", err)
	}

	var file languagesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse languages file: %w", err)
	}

	for _, entry := range file.Languages {
		lang, err := entry.toLanguage()
		if err != nil {
			return fmt.Errorf("language %q: %w", entry.ID, err)
		}
		r.Register(lang)
	}

	return nil
}

func (e fileEntry) toLanguage() (Language, error) {
	if e.ID == "" {
		return Language{}, fmt.Errorf("id is required")
	}
	if e.Image == "" {
		return Language{}, fmt.Errorf("image is required")
	}
	if e.SourceFile == "" {
		return Language{}, fmt.Errorf("source_file is required")
	}

	args, err := shlex.Split(e.Run)
	if err != nil {
		return Language{}, fmt.Errorf("parse run command: %w", err)
	}
	if len(args) == 0 {
		return Language{}, fmt.Errorf("run command is empty")
	}
	if !containsEntryPlaceholder(args) {
		return Language{}, fmt.Errorf("run command must reference {entry}")
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}

	return Language{
		ID:   e.ID,
		Name: name,
		Config: RuntimeConfig{
			Image:      e.Image,
			SourceFile: e.SourceFile,
			RunCommand: args,
		},
	}, nil
}

func containsEntryPlaceholder(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, "{entry}") {
			return true
		}
	}
	return false
}
