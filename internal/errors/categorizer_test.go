package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/courseforge/internal/models"
)

func TestCategorizeExplicitCategoryHintWins(t *testing.T) {
	payload := models.WorkerErrorPayload{
		ErrorClass:   "AnythingElse",
		Message:      "some message",
		CategoryHint: "configuration",
	}
	be := Categorize(1, models.JobTypeNotebook, payload)
	assert.Equal(t, CategoryConfiguration, be.Category)
}

func TestCategorizePatternRuleMatchesSyntaxError(t *testing.T) {
	payload := models.WorkerErrorPayload{
		ErrorClass: "SyntaxError",
		Message:    "expected semicolon",
	}
	be := Categorize(2, models.JobTypeNotebook, payload)
	assert.Equal(t, CategoryUser, be.Category)
	assert.Equal(t, "notebook_compilation", be.Kind)
}

func TestCategorizeDefaultsToUserNotebookProcessing(t *testing.T) {
	payload := models.WorkerErrorPayload{
		ErrorClass: "UnknownWeirdError",
		Message:    "something went sideways",
	}
	be := Categorize(3, models.JobTypeNotebook, payload)
	assert.Equal(t, CategoryUser, be.Category)
	assert.Equal(t, "notebook_processing", be.Kind)
}

func TestCategorizeTrackedCellIndexIsAuthoritative(t *testing.T) {
	tracked := 7
	payload := models.WorkerErrorPayload{
		ErrorClass: "RuntimeError",
		Message:    "Cell 99, line 1: boom",
		CellIndex:  &tracked,
	}
	be := Categorize(4, models.JobTypeNotebook, payload)
	require.NotNil(t, be.CellIndex)
	assert.Equal(t, 7, *be.CellIndex)
}

func TestCategorizeExtractsCellIndexWhenUntracked(t *testing.T) {
	payload := models.WorkerErrorPayload{
		ErrorClass: "RuntimeError",
		Message:    "Cell 3, line 7: missing semicolon\nnext line\nthird line\nfourth\nfifth\nsixth should be cut",
	}
	be := Categorize(5, models.JobTypeNotebook, payload)
	require.NotNil(t, be.CellIndex)
	assert.Equal(t, 3, *be.CellIndex)
	require.NotNil(t, be.Line)
	assert.Equal(t, 7, *be.Line)
	assert.LessOrEqual(t, len(splitLines(be.CellSource)), 5)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, Summary{}.ExitCode())
	assert.Equal(t, 1, Summary{Errors: 1}.ExitCode())
	assert.Equal(t, 2, Summary{FatalErrors: 1, Errors: 3}.ExitCode())
}
