package models

// ModeSource identifies where a mode definition was loaded from.
type ModeSource string

const (
	ModeSourceBuiltin ModeSource = "builtin"
	ModeSourceProject ModeSource = "project"
	ModeSourceAdhoc   ModeSource = "adhoc"
)

// ModeDefinition is a named workflow template composed of ordered phases.
type ModeDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []Phase    `json:"phases" yaml:"phases"`
	Body        string     `json:"body,omitempty" yaml:"-"` // freeform instructions passed to the agent
	Source      ModeSource `json:"source,omitempty" yaml:"-"`
	Path        string     `json:"path,omitempty" yaml:"-"` // file the definition came from, if any
}

// Phase is one step of a mode with a task specification and dependency edges.
type Phase struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	TaskConfig TaskConfig `json:"task_config" yaml:"task_config"`
}

// TaskConfig describes the task created for a phase on mode entry.
type TaskConfig struct {
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// PhaseIDs returns phase ids in declaration order.
func (m ModeDefinition) PhaseIDs() []string {
	ids := make([]string, 0, len(m.Phases))
	for _, p := range m.Phases {
		ids = append(ids, p.ID)
	}
	return ids
}

// Clone returns a deep copy of the definition.
func (m ModeDefinition) Clone() ModeDefinition {
	clone := m
	if len(m.Phases) > 0 {
		clone.Phases = make([]Phase, len(m.Phases))
		for i, p := range m.Phases {
			clone.Phases[i] = p
			if len(p.TaskConfig.DependsOn) > 0 {
				clone.Phases[i].TaskConfig.DependsOn = append([]string(nil), p.TaskConfig.DependsOn...)
			}
		}
	}
	return clone
}

// DisplayName returns Name, falling back to ID.
func (m ModeDefinition) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}
