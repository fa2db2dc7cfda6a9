package main

import (
	"strings"

	"github.com/ternarybob/courseforge/internal/models"
)

func joinLanguages(ls []models.Language) string {
	if len(ls) == 0 {
		return "all"
	}
	parts := make([]string, len(ls))
	for i, l := range ls {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}

func joinFormats(fs []models.Format) string {
	if len(fs) == 0 {
		return "all"
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func modeFromString(s string) models.WorkerExecutionMode {
	if s == string(models.ExecutionModeDocker) {
		return models.ExecutionModeDocker
	}
	return models.ExecutionModeDirect
}

func joinKinds(ks []models.Kind) string {
	if len(ks) == 0 {
		return "all"
	}
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
