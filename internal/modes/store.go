// Package modes loads mode definitions from the built-in seed templates and an
// optional project override file, and resolves one-off ad-hoc templates.
package modes

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/template"
)

//go:embed builtin/*.md
var builtinFS embed.FS

// DefaultOverrideFile is the project-relative location of the override file.
const DefaultOverrideFile = ".modeguard/modes.yaml"

// Store resolves mode definitions. It holds no cache: every Load reads the
// sources again.
type Store struct {
	// OverridePath is the project override file. A missing file is not an error.
	OverridePath string

	builtin fs.FS
}

// NewStore creates a Store reading the embedded built-ins and overridePath.
func NewStore(overridePath string) *Store {
	return &Store{OverridePath: overridePath, builtin: builtinFS}
}

// overrideFile is the on-disk shape of the project override file.
type overrideFile struct {
	Modes []overrideEntry `yaml:"modes"`
}

// overrideEntry is either an inline definition or a pointer to a template
// document relative to the override file.
type overrideEntry struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Phases       []models.Phase `yaml:"phases"`
	Instructions string         `yaml:"instructions"`
	Template     string         `yaml:"template"`
}

// Load returns the merged definitions: built-ins in file-name order, each
// replaced wholesale by a project definition with the same id, followed by
// project-only definitions in file order.
func (s *Store) Load() ([]models.ModeDefinition, error) {
	defs, err := s.loadBuiltins()
	if err != nil {
		return nil, err
	}

	overrides, err := s.loadOverrides()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.ID] = i
	}
	for _, o := range overrides {
		if i, ok := index[o.ID]; ok {
			defs[i] = o
			continue
		}
		index[o.ID] = len(defs)
		defs = append(defs, o)
	}
	return defs, nil
}

// List is Load under the name the CLI uses.
func (s *Store) List() ([]models.ModeDefinition, error) { return s.Load() }

// Resolve returns the merged definition with the given id. Ids are matched
// exactly first, then case-insensitively.
func (s *Store) Resolve(name string) (models.ModeDefinition, error) {
	defs, err := s.Load()
	if err != nil {
		return models.ModeDefinition{}, err
	}
	for _, d := range defs {
		if d.ID == name {
			return d, nil
		}
	}
	for _, d := range defs {
		if strings.EqualFold(d.ID, name) {
			return d, nil
		}
	}
	return models.ModeDefinition{}, errors.NewNotFoundError("mode", name)
}

// ResolveTemplate parses an ad-hoc template standalone. The result bypasses
// the merged set and is never written back to it.
func ResolveTemplate(templatePath string) (models.ModeDefinition, error) {
	tmpl, err := template.ParseFile(templatePath)
	if err != nil {
		return models.ModeDefinition{}, err
	}
	return tmpl.Definition(models.ModeSourceAdhoc, templatePath), nil
}

func (s *Store) loadBuiltins() ([]models.ModeDefinition, error) {
	entries, err := fs.ReadDir(s.builtin, "builtin")
	if err != nil {
		return nil, errors.NewConfigError("builtin", "read built-in modes", err)
	}

	var defs []models.ModeDefinition
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".md" {
			continue
		}
		name := path.Join("builtin", e.Name())
		data, err := fs.ReadFile(s.builtin, name)
		if err != nil {
			return nil, errors.NewConfigError(name, "read built-in mode", err)
		}
		tmpl, err := template.Parse(data)
		if err != nil {
			return nil, errors.NewConfigError(name, "parse built-in mode", err)
		}
		defs = append(defs, tmpl.Definition(models.ModeSourceBuiltin, ""))
	}
	return defs, nil
}

// loadOverrides parses the project override file. Any problem with an
// existing file fails the whole resolution rather than falling back to the
// built-ins.
func (s *Store) loadOverrides() ([]models.ModeDefinition, error) {
	if s.OverridePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.OverridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewConfigError(s.OverridePath, "read override file", err)
	}

	var file overrideFile
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errors.NewConfigError(s.OverridePath, "parse override file", err)
		}
	}

	seen := make(map[string]struct{}, len(file.Modes))
	defs := make([]models.ModeDefinition, 0, len(file.Modes))
	for i, entry := range file.Modes {
		def, err := s.overrideDefinition(entry)
		if err != nil {
			return nil, errors.NewConfigError(s.OverridePath, fmt.Sprintf("modes[%d]", i), err)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, errors.NewConfigError(s.OverridePath, "duplicate mode id "+def.ID, nil)
		}
		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *Store) overrideDefinition(entry overrideEntry) (models.ModeDefinition, error) {
	if entry.Template != "" {
		if len(entry.Phases) > 0 {
			return models.ModeDefinition{}, errors.New("template and phases are mutually exclusive")
		}
		tmplPath := entry.Template
		if !filepath.IsAbs(tmplPath) {
			tmplPath = filepath.Join(filepath.Dir(s.OverridePath), tmplPath)
		}
		tmpl, err := template.ParseFile(tmplPath)
		if err != nil {
			return models.ModeDefinition{}, err
		}
		if entry.ID != "" && entry.ID != tmpl.Metadata.ID {
			return models.ModeDefinition{}, errors.New("id " + entry.ID + " does not match template id " + tmpl.Metadata.ID)
		}
		def := tmpl.Definition(models.ModeSourceProject, tmplPath)
		if entry.Name != "" {
			def.Name = entry.Name
		}
		if entry.Description != "" {
			def.Description = entry.Description
		}
		return def, nil
	}

	if strings.TrimSpace(entry.ID) == "" {
		return models.ModeDefinition{}, errors.New("id is required")
	}
	phases := template.Normalize(entry.Phases)
	if err := template.ValidatePhases(entry.ID, phases); err != nil {
		return models.ModeDefinition{}, err
	}
	return models.ModeDefinition{
		ID:          entry.ID,
		Name:        entry.Name,
		Description: entry.Description,
		Phases:      phases,
		Body:        entry.Instructions,
		Source:      models.ModeSourceProject,
		Path:        s.OverridePath,
	}, nil
}
