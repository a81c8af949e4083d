package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/modeguard/internal/models"
)

func phase(id string, deps ...string) models.Phase {
	return models.Phase{ID: id, TaskConfig: models.TaskConfig{Title: id, DependsOn: deps}}
}

func ids(phases []models.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.ID
	}
	return out
}

func TestFindCycle(t *testing.T) {
	t.Run("acyclic", func(t *testing.T) {
		assert.Nil(t, FindCycle([]models.Phase{phase("a"), phase("b", "a"), phase("c", "a", "b")}))
	})

	t.Run("two node cycle", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "a"}, FindCycle([]models.Phase{phase("a", "b"), phase("b", "a")}))
	})

	t.Run("cycle away from root", func(t *testing.T) {
		cycle := FindCycle([]models.Phase{phase("root", "x"), phase("x", "y"), phase("y", "x")})
		assert.Equal(t, []string{"x", "y", "x"}, cycle)
	})

	t.Run("diamond is not a cycle", func(t *testing.T) {
		assert.Nil(t, FindCycle([]models.Phase{
			phase("top"), phase("left", "top"), phase("right", "top"), phase("bottom", "left", "right"),
		}))
	})
}

func TestTopologicalOrder_DeclarationTies(t *testing.T) {
	phases := []models.Phase{
		phase("docs"),
		phase("impl", "design"),
		phase("design"),
		phase("test", "impl"),
	}
	ordered, err := TopologicalOrder(phases)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "design", "impl", "test"}, ids(ordered))

	// Deterministic across calls.
	again, err := TopologicalOrder(phases)
	require.NoError(t, err)
	assert.Equal(t, ids(ordered), ids(again))
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	_, err := TopologicalOrder([]models.Phase{phase("a", "b"), phase("b", "a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestFirstReady(t *testing.T) {
	phases := []models.Phase{phase("p0"), phase("p1", "p0"), phase("p2", "p1")}

	p, ok := FirstReady(phases, map[string]bool{})
	require.True(t, ok)
	assert.Equal(t, "p0", p.ID)

	p, ok = FirstReady(phases, map[string]bool{"p0": true})
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)

	_, ok = FirstReady(phases, map[string]bool{"p0": true, "p1": true, "p2": true})
	assert.False(t, ok)
}

func TestNormalize_DoesNotAlias(t *testing.T) {
	in := []models.Phase{{ID: " a ", TaskConfig: models.TaskConfig{DependsOn: []string{"b"}}}}
	out := Normalize(in)
	out[0].TaskConfig.DependsOn[0] = "z"

	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", in[0].TaskConfig.DependsOn[0])
}
