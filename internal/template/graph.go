package template

import (
	"fmt"
	"strings"

	"github.com/joescharf/modeguard/internal/models"
)

// Normalize returns a copy of phases with default task titles filled in:
// the phase name, then the phase id.
func Normalize(phases []models.Phase) []models.Phase {
	out := make([]models.Phase, len(phases))
	for i, p := range phases {
		p.ID = strings.TrimSpace(p.ID)
		if p.TaskConfig.Title == "" {
			p.TaskConfig.Title = p.Name
		}
		if p.TaskConfig.Title == "" {
			p.TaskConfig.Title = p.ID
		}
		if len(p.TaskConfig.DependsOn) > 0 {
			p.TaskConfig.DependsOn = append([]string(nil), p.TaskConfig.DependsOn...)
		}
		out[i] = p
	}
	return out
}

// ValidatePhases checks ids, dependency references and acyclicity.
// Forward references are allowed; self references are not.
func ValidatePhases(modeID string, phases []models.Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("mode %s: at least one phase is required", modeID)
	}

	declared := make(map[string]struct{}, len(phases))
	for i, p := range phases {
		if p.ID == "" {
			return fmt.Errorf("mode %s phase[%d]: id is required", modeID, i)
		}
		if _, dup := declared[p.ID]; dup {
			return fmt.Errorf("mode %s: duplicate phase id %s", modeID, p.ID)
		}
		declared[p.ID] = struct{}{}
	}

	for _, p := range phases {
		seen := make(map[string]struct{}, len(p.TaskConfig.DependsOn))
		for _, dep := range p.TaskConfig.DependsOn {
			if dep == p.ID {
				return fmt.Errorf("mode %s: phase %s depends on itself", modeID, p.ID)
			}
			if _, ok := declared[dep]; !ok {
				return fmt.Errorf("mode %s: phase %s depends on unknown phase %q", modeID, p.ID, dep)
			}
			if _, dup := seen[dep]; dup {
				return fmt.Errorf("mode %s: phase %s has duplicate dependency on %s", modeID, p.ID, dep)
			}
			seen[dep] = struct{}{}
		}
	}

	if cycle := FindCycle(phases); cycle != nil {
		return fmt.Errorf("mode %s: dependency cycle: %s", modeID, strings.Join(cycle, " -> "))
	}
	return nil
}

const (
	unvisited = iota
	inProgress
	done
)

type dfsFrame struct {
	id   string
	next int // index of the next dependency edge to explore
}

// FindCycle returns the first dependency cycle as a path whose first and last
// elements are the same phase, or nil when the graph is acyclic. Traversal is
// an iterative DFS in declaration order, so the reported cycle is stable.
// Dependencies on undeclared phases are ignored.
func FindCycle(phases []models.Phase) []string {
	deps := make(map[string][]string, len(phases))
	for _, p := range phases {
		deps[p.ID] = p.TaskConfig.DependsOn
	}

	state := make(map[string]int, len(phases))
	for _, root := range phases {
		if state[root.ID] != unvisited {
			continue
		}
		stack := []dfsFrame{{id: root.ID}}
		state[root.ID] = inProgress

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := deps[top.id]
			if top.next >= len(edges) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}
			dep := edges[top.next]
			top.next++

			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case inProgress:
				return cyclePath(stack, dep)
			case unvisited:
				state[dep] = inProgress
				stack = append(stack, dfsFrame{id: dep})
			}
		}
	}
	return nil
}

func cyclePath(stack []dfsFrame, back string) []string {
	start := 0
	for i, f := range stack {
		if f.id == back {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	return append(path, back)
}

// TopologicalOrder returns phases ordered so every phase follows its
// dependencies. Among phases that are ready at the same time, declaration
// order wins, so the result is deterministic.
func TopologicalOrder(phases []models.Phase) ([]models.Phase, error) {
	emitted := make(map[string]bool, len(phases))
	out := make([]models.Phase, 0, len(phases))

	for len(out) < len(phases) {
		progressed := false
		for _, p := range phases {
			if emitted[p.ID] || !depsSatisfied(p, emitted) {
				continue
			}
			emitted[p.ID] = true
			out = append(out, p)
			progressed = true
			break
		}
		if !progressed {
			if cycle := FindCycle(phases); cycle != nil {
				return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
			}
			return nil, fmt.Errorf("unresolvable phase dependencies")
		}
	}
	return out, nil
}

func depsSatisfied(p models.Phase, satisfied map[string]bool) bool {
	for _, dep := range p.TaskConfig.DependsOn {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

// FirstReady returns the first phase in declaration order whose dependencies
// are all in satisfied and which is not itself satisfied.
func FirstReady(phases []models.Phase, satisfied map[string]bool) (models.Phase, bool) {
	for _, p := range phases {
		if satisfied[p.ID] {
			continue
		}
		if depsSatisfied(p, satisfied) {
			return p, true
		}
	}
	return models.Phase{}, false
}
