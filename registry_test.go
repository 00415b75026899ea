package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func availableFrom(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(n string) bool { return set[n] }
}

func TestResolveModel(t *testing.T) {
	loaded := []string{"silueta", "u2net"}

	t.Run("requested model is used when loaded", func(t *testing.T) {
		got := resolveModel("silueta", availableFrom(loaded...), loaded)
		assert.Equal(t, "silueta", got)
	})

	t.Run("unknown model falls back to default", func(t *testing.T) {
		got := resolveModel("does-not-exist", availableFrom(loaded...), loaded)
		assert.Equal(t, DefaultModel, got)
	})

	t.Run("empty request uses default", func(t *testing.T) {
		got := resolveModel("", availableFrom(loaded...), loaded)
		assert.Equal(t, DefaultModel, got)
	})

	t.Run("default missing falls back to any loaded model", func(t *testing.T) {
		got := resolveModel("u2net", availableFrom("silueta"), []string{"silueta"})
		assert.Equal(t, "silueta", got)
	})

	t.Run("nothing loaded resolves to nothing", func(t *testing.T) {
		got := resolveModel("u2net", availableFrom(), nil)
		assert.Equal(t, "", got)
	})
}

func TestModelCatalogConsistency(t *testing.T) {
	for _, name := range append(append([]string{}, essentialModels...), optionalModels...) {
		info, ok := modelCatalog[name]
		assert.Truef(t, ok, "model %s missing from catalog", name)
		assert.NotEmpty(t, info.Description)
		assert.Greater(t, info.InputSize, 0)
	}

	_, ok := modelCatalog[DefaultModel]
	assert.True(t, ok)
	for _, name := range modelRecommendations {
		_, ok := modelCatalog[name]
		assert.Truef(t, ok, "recommended model %s missing from catalog", name)
	}
}
