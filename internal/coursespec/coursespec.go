// Package coursespec parses the XML course-spec file (§6) into the types
// the Operation Graph consumes. It is deliberately minimal: the engine needs
// a concrete, real format to drive end-to-end, not a sophisticated parser.
package coursespec

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/ternarybob/courseforge/internal/models"
)

// BilingualText holds the de/en variants of a name or description field.
type BilingualText struct {
	DE string `xml:"de"`
	EN string `xml:"en"`
}

// Topic is a leaf reference within a section's ordered topic list.
type Topic struct {
	ID string `xml:"id,attr"`
}

// Section is an ordered group of topics with a bilingual name.
type Section struct {
	Name   BilingualText `xml:"name"`
	Topics []Topic       `xml:"topics>topic"`
}

// DirGroup is a copy rule for static assets (Stage 0).
type DirGroup struct {
	Source      string `xml:"source,attr"`
	Destination string `xml:"destination,attr"`
}

// OutputTargetXML mirrors the wire shape of an `<output-target>` element.
type OutputTargetXML struct {
	Name      string   `xml:"name,attr"`
	Path      string   `xml:"path"`
	Kinds     []string `xml:"kinds>kind"`
	Formats   []string `xml:"formats>format"`
	Languages []string `xml:"languages>language"`
}

// Course is the root of a parsed course-spec document.
type Course struct {
	XMLName     xml.Name          `xml:"course"`
	Name        BilingualText     `xml:"name"`
	ProgLang    string            `xml:"prog-lang"`
	Description BilingualText     `xml:"description"`
	Certificate string            `xml:"certificate"`
	Github      string            `xml:"github"`
	Sections    []Section         `xml:"sections>section"`
	DirGroups   []DirGroup        `xml:"dir-groups>dir-group"`
	Targets     []OutputTargetXML `xml:"output-targets>output-target"`
}

// ErrDuplicateTarget is a configuration error: the spec defines two
// output-targets with the same name or path. It aborts before any work.
type ErrDuplicateTarget struct {
	Field string
	Value string
}

func (e *ErrDuplicateTarget) Error() string {
	return fmt.Sprintf("duplicate output-target %s %q", e.Field, e.Value)
}

// Parse reads and unmarshals a course-spec XML file.
func Parse(path string) (*Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read course spec %s: %w", path, err)
	}

	var course Course
	if err := xml.Unmarshal(data, &course); err != nil {
		return nil, fmt.Errorf("failed to parse course spec %s: %w", path, err)
	}

	if len(course.ProgLang) == 0 {
		return nil, fmt.Errorf("course spec %s missing required prog-lang", path)
	}

	return &course, nil
}

// OutputTargets converts the parsed XML targets into models.OutputTarget,
// validating the duplicate-name/duplicate-path invariant from §6. Absence of
// <output-targets> yields a single default target admitting everything.
func (c *Course) OutputTargets(defaultOutputRoot string) ([]models.OutputTarget, error) {
	if len(c.Targets) == 0 {
		return []models.OutputTarget{{
			Name:       "default",
			OutputRoot: defaultOutputRoot,
		}}, nil
	}

	seenNames := make(map[string]bool, len(c.Targets))
	seenPaths := make(map[string]bool, len(c.Targets))
	targets := make([]models.OutputTarget, 0, len(c.Targets))

	for _, t := range c.Targets {
		if seenNames[t.Name] {
			return nil, &ErrDuplicateTarget{Field: "name", Value: t.Name}
		}
		if seenPaths[t.Path] {
			return nil, &ErrDuplicateTarget{Field: "path", Value: t.Path}
		}
		seenNames[t.Name] = true
		seenPaths[t.Path] = true

		target := models.OutputTarget{
			Name:       t.Name,
			OutputRoot: t.Path,
		}
		for _, k := range t.Kinds {
			target.Kinds = append(target.Kinds, models.Kind(k))
		}
		for _, f := range t.Formats {
			target.Formats = append(target.Formats, models.Format(f))
		}
		for _, l := range t.Languages {
			target.Languages = append(target.Languages, models.Language(l))
		}
		targets = append(targets, target)
	}

	return targets, nil
}

// TopicIDs flattens every section's topic list, in document order, which is
// the enumeration the Operation Graph walks per course file.
func (c *Course) TopicIDs() []string {
	var ids []string
	for _, s := range c.Sections {
		for _, t := range s.Topics {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
