package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/courseforge/internal/models"
)

func baseTargets() []models.OutputTarget {
	return []models.OutputTarget{
		{Name: "students", OutputRoot: "./out/students", Kinds: []models.Kind{models.KindCodeAlong}},
		{Name: "solutions", OutputRoot: "./out/solutions", Kinds: []models.Kind{models.KindCompleted}},
	}
}

func TestSelectTargetsNoFilterReturnsAll(t *testing.T) {
	targets, err := SelectTargets(baseTargets(), nil, "", nil)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestSelectTargetsByName(t *testing.T) {
	targets, err := SelectTargets(baseTargets(), []string{"students"}, "", nil)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "students", targets[0].Name)
}

func TestSelectTargetsUnknownNameErrors(t *testing.T) {
	_, err := SelectTargets(baseTargets(), []string{"missing"}, "", nil)
	assert.Error(t, err)
}

func TestSelectTargetsLanguageNarrowing(t *testing.T) {
	targets, err := SelectTargets(baseTargets(), nil, "de", nil)
	require.NoError(t, err)
	for _, tgt := range targets {
		assert.Equal(t, []models.Language{models.LanguageDE}, tgt.Languages)
	}
}

func TestSelectTargetsLanguageConflictErrors(t *testing.T) {
	targets := []models.OutputTarget{
		{Name: "en-only", OutputRoot: "./out", Languages: []models.Language{models.LanguageEN}},
	}
	_, err := SelectTargets(targets, nil, "de", nil)
	assert.Error(t, err)
}

func TestSelectTargetsKindNarrowing(t *testing.T) {
	targets, err := SelectTargets(baseTargets(), []string{"solutions"}, "", []string{"completed"})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, []models.Kind{models.KindCompleted}, targets[0].Kinds)
}

func TestSelectTargetsKindConflictErrors(t *testing.T) {
	_, err := SelectTargets(baseTargets(), []string{"students"}, "", []string{"speaker"})
	assert.Error(t, err)
}
