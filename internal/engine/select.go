package engine

import (
	"fmt"

	"github.com/ternarybob/courseforge/internal/models"
)

// SelectTargets narrows a course's defined output targets to those named in
// names (all of them, when names is empty) and intersects each survivor's
// language/kind filters with the CLI-provided ones. A CLI filter that shares
// nothing with a target's existing filter is a configuration error rather
// than a silent empty build, since an empty models.OutputTarget filter slice
// already means "admits everything".
func SelectTargets(targets []models.OutputTarget, names []string, language string, kinds []string) ([]models.OutputTarget, error) {
	selected := targets
	if len(names) > 0 {
		wanted := make(map[string]bool, len(names))
		for _, n := range names {
			wanted[n] = true
		}
		var filtered []models.OutputTarget
		for _, t := range targets {
			if wanted[t.Name] {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) != len(names) {
			return nil, fmt.Errorf("one or more requested targets were not found in the course spec")
		}
		selected = filtered
	}

	narrowed := make([]models.OutputTarget, len(selected))
	for i, t := range selected {
		if language != "" {
			langs, err := narrowLanguages(t.Languages, models.Language(language))
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t.Name, err)
			}
			t.Languages = langs
		}
		if len(kinds) > 0 {
			ks, err := narrowKinds(t.Kinds, kinds)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t.Name, err)
			}
			t.Kinds = ks
		}
		narrowed[i] = t
	}
	return narrowed, nil
}

func narrowLanguages(existing []models.Language, only models.Language) ([]models.Language, error) {
	if len(existing) == 0 {
		return []models.Language{only}, nil
	}
	for _, l := range existing {
		if l == only {
			return []models.Language{only}, nil
		}
	}
	return nil, fmt.Errorf("--language %s is not admitted by this target's language filter", only)
}

func narrowKinds(existing []models.Kind, only []string) ([]models.Kind, error) {
	requested := make([]models.Kind, 0, len(only))
	for _, k := range only {
		requested = append(requested, models.Kind(k))
	}
	if len(existing) == 0 {
		return requested, nil
	}
	existingSet := make(map[models.Kind]bool, len(existing))
	for _, k := range existing {
		existingSet[k] = true
	}
	narrowed := make([]models.Kind, 0, len(requested))
	for _, k := range requested {
		if existingSet[k] {
			narrowed = append(narrowed, k)
		}
	}
	if len(narrowed) == 0 {
		return nil, fmt.Errorf("--kinds %v share nothing with this target's kind filter", only)
	}
	return narrowed, nil
}
