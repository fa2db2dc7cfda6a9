package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/courseforge/internal/models"
)

func TestFingerprintBytesIsDeterministic(t *testing.T) {
	a := FingerprintBytes([]byte("notebook source"), models.LanguageEN, models.FormatHTML, models.KindSpeaker)
	b := FingerprintBytes([]byte("notebook source"), models.LanguageEN, models.FormatHTML, models.KindSpeaker)
	assert.Equal(t, a, b)
}

func TestFingerprintBytesVariesByAxis(t *testing.T) {
	base := FingerprintBytes([]byte("x"), models.LanguageEN, models.FormatHTML, models.KindSpeaker)

	assert.NotEqual(t, base, FingerprintBytes([]byte("x"), models.LanguageDE, models.FormatHTML, models.KindSpeaker))
	assert.NotEqual(t, base, FingerprintBytes([]byte("x"), models.LanguageEN, models.FormatNotebook, models.KindSpeaker))
	assert.NotEqual(t, base, FingerprintBytes([]byte("x"), models.LanguageEN, models.FormatHTML, models.KindCompleted))
	assert.NotEqual(t, base, FingerprintBytes([]byte("y"), models.LanguageEN, models.FormatHTML, models.KindSpeaker))
}
