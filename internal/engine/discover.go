package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/courseforge/internal/coursespec"
	"github.com/ternarybob/courseforge/internal/graph"
)

// notebookExtension maps a course's prog-lang to the file extension its
// stand-in notebook sources carry on disk under courseDir/notebooks.
var notebookExtension = map[string]string{
	"python":     ".ipynb",
	"cpp":        ".cpp.ipynb",
	"csharp":     ".csx.ipynb",
	"java":       ".java.ipynb",
	"typescript": ".ts.ipynb",
}

// DiscoverCourseFiles maps a parsed course's ordered topic ids to notebook
// files under courseDir/notebooks, and walks courseDir/diagrams for PlantUML
// (.puml) and Draw.io (.drawio) sources. A topic the spec names with no
// backing file is a configuration error — the graph can't build what isn't
// on disk.
func DiscoverCourseFiles(course *coursespec.Course, courseDir string) ([]graph.CourseFile, error) {
	var files []graph.CourseFile

	ext := notebookExtension[course.ProgLang]
	if ext == "" {
		ext = ".ipynb"
	}

	notebooksDir := filepath.Join(courseDir, "notebooks")
	for _, id := range course.TopicIDs() {
		path := filepath.Join(notebooksDir, id+ext)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("topic %q has no backing notebook at %s: %w", id, path, err)
		}
		files = append(files, graph.CourseFile{
			InputPath:  path,
			SourceKind: graph.SourceNotebook,
			ProgLang:   course.ProgLang,
		})
	}

	diagramsDir := filepath.Join(courseDir, "diagrams")
	entries, err := os.ReadDir(diagramsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, fmt.Errorf("failed to read diagrams directory %s: %w", diagramsDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".puml"):
			files = append(files, graph.CourseFile{
				InputPath:  filepath.Join(diagramsDir, name),
				SourceKind: graph.SourcePlantUML,
			})
		case strings.HasSuffix(name, ".drawio"):
			files = append(files, graph.CourseFile{
				InputPath:  filepath.Join(diagramsDir, name),
				SourceKind: graph.SourceDrawio,
			})
		}
	}

	return files, nil
}

// scanMTimeSignature hashes every discovered file's modification time into a
// single comparable string, letting watch mode skip a re-scan when nothing
// on disk has changed since the prior pass.
func scanMTimeSignature(files []graph.CourseFile) (string, error) {
	var b strings.Builder
	for _, f := range files {
		info, err := os.Stat(f.InputPath)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", f.InputPath, err)
		}
		fmt.Fprintf(&b, "%s:%d;", f.InputPath, info.ModTime().UnixNano())
	}
	return b.String(), nil
}
