package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/courseforge/internal/coursespec"
	"github.com/ternarybob/courseforge/internal/graph"
)

func courseWithTopics(progLang string, topicIDs ...string) *coursespec.Course {
	var topics []coursespec.Topic
	for _, id := range topicIDs {
		topics = append(topics, coursespec.Topic{ID: id})
	}
	return &coursespec.Course{
		ProgLang: progLang,
		Sections: []coursespec.Section{{Topics: topics}},
	}
}

func TestDiscoverCourseFilesFindsNotebooksAndDiagrams(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notebooks"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "diagrams"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notebooks", "intro.ipynb"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagrams", "flow.puml"), []byte("@startuml\n@enduml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagrams", "arch.drawio"), []byte("<mxfile/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagrams", "notes.txt"), []byte("ignore me"), 0o644))

	course := courseWithTopics("python", "intro")
	files, err := DiscoverCourseFiles(course, dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	var notebooks, plantuml, drawio int
	for _, f := range files {
		switch f.SourceKind {
		case graph.SourceNotebook:
			notebooks++
			assert.Equal(t, "python", f.ProgLang)
		case graph.SourcePlantUML:
			plantuml++
		case graph.SourceDrawio:
			drawio++
		}
	}
	assert.Equal(t, 1, notebooks)
	assert.Equal(t, 1, plantuml)
	assert.Equal(t, 1, drawio)
}

func TestDiscoverCourseFilesMissingNotebookErrors(t *testing.T) {
	dir := t.TempDir()
	course := courseWithTopics("python", "missing-topic")
	_, err := DiscoverCourseFiles(course, dir)
	assert.Error(t, err)
}

func TestDiscoverCourseFilesNoDiagramsDirIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notebooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notebooks", "intro.ipynb"), []byte("{}"), 0o644))

	course := courseWithTopics("python", "intro")
	files, err := DiscoverCourseFiles(course, dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestScanMTimeSignatureChangesWithModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.puml")
	require.NoError(t, os.WriteFile(path, []byte("@startuml\n@enduml"), 0o644))

	files := []graph.CourseFile{{InputPath: path, SourceKind: graph.SourcePlantUML}}
	sig1, err := scanMTimeSignature(files)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	sig2, err := scanMTimeSignature(files)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig2)
}
