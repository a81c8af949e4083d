// Package template parses mode template documents.
//
// A document is a YAML front matter header between "---" lines followed by a
// freeform markdown body:
//
//	---
//	id: planning
//	name: Planning
//	phases:
//	  - id: research
//	    name: Research
//	    task_config:
//	      title: Research the problem space
//	  - id: plan
//	    name: Write plan
//	    task_config:
//	      title: Write the implementation plan
//	      depends_on: [research]
//	---
//	Instructions for the agent...
//
// Only the header is machine-consumed. The body is passed through verbatim.
package template

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
)

const delimiter = "---"

// Metadata is the identifying part of a template header.
type Metadata struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Template is a parsed and validated document.
type Template struct {
	Metadata Metadata
	Phases   []models.Phase
	Body     string
}

type header struct {
	Metadata `yaml:",inline"`
	Phases   []models.Phase `yaml:"phases"`
}

// Parse parses and validates a template document.
func Parse(doc []byte) (*Template, error) {
	return parse("", doc)
}

// ParseFile reads and parses the template at path.
func ParseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(path, "read template", err)
	}
	return parse(path, data)
}

func parse(source string, doc []byte) (*Template, error) {
	raw, body, err := splitFrontMatter(doc)
	if err != nil {
		return nil, errors.NewConfigError(source, err.Error(), nil)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.NewConfigError(source, "front matter header is empty", nil)
	}

	var h header
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&h); err != nil {
		return nil, errors.NewConfigError(source, "decode header", err)
	}

	if strings.TrimSpace(h.ID) == "" {
		return nil, errors.NewConfigError(source, "header: id is required", nil)
	}

	phases := Normalize(h.Phases)
	if err := ValidatePhases(h.ID, phases); err != nil {
		return nil, errors.NewConfigError(source, err.Error(), nil)
	}

	return &Template{
		Metadata: h.Metadata,
		Phases:   phases,
		Body:     body,
	}, nil
}

// Definition converts the template into a mode definition.
func (t *Template) Definition(source models.ModeSource, path string) models.ModeDefinition {
	def := models.ModeDefinition{
		ID:          t.Metadata.ID,
		Name:        t.Metadata.Name,
		Description: t.Metadata.Description,
		Phases:      t.Phases,
		Body:        t.Body,
		Source:      source,
		Path:        path,
	}
	return def.Clone()
}

// splitFrontMatter separates the YAML header from the body. Line endings are
// normalized to "\n"; otherwise the body is returned as written.
func splitFrontMatter(doc []byte) ([]byte, string, error) {
	text := strings.TrimPrefix(string(doc), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	first, rest, ok := strings.Cut(text, "\n")
	if strings.TrimSpace(first) != delimiter {
		return nil, "", fmt.Errorf("missing front matter header (document must start with %q)", delimiter)
	}
	if !ok {
		return nil, "", fmt.Errorf("unterminated front matter header")
	}

	var hdr strings.Builder
	for {
		line, remaining, more := strings.Cut(rest, "\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == delimiter || trimmed == "..." {
			return []byte(hdr.String()), remaining, nil
		}
		if !more {
			return nil, "", fmt.Errorf("unterminated front matter header")
		}
		hdr.WriteString(line)
		hdr.WriteString("\n")
		rest = remaining
	}
}
