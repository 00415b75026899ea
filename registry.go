package main

import (
	"context"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"sort"

	"github.com/freistellen/background-removal-service/matting"
	"github.com/freistellen/background-removal-service/models"
)

const DefaultModel = "u2net"

type ModelInfo struct {
	Description string
	InputSize   int
}

// modelCatalog is the fixed table of supported models. Essential models must
// be present at startup for the service to be useful; optional ones are
// loaded best-effort.
var modelCatalog = map[string]ModelInfo{
	"u2net":             {Description: "Standard model (best balance)", InputSize: 320},
	"silueta":           {Description: "Compact model (faster, 43MB)", InputSize: 320},
	"u2net_human_seg":   {Description: "Tuned for people", InputSize: 320},
	"isnet-general-use": {Description: "Improved general model (newest)", InputSize: 1024},
}

var (
	essentialModels = []string{"u2net", "silueta"}
	optionalModels  = []string{"u2net_human_seg", "isnet-general-use"}
)

var modelRecommendations = map[string]string{
	"general": "u2net",
	"fast":    "silueta",
	"people":  "u2net_human_seg",
}

// backgroundRemover is what the HTTP handlers need from the model layer.
type backgroundRemover interface {
	Remove(ctx context.Context, modelName string, img image.Image, timings *models.ProcessingTimings) (*image.NRGBA, string, error)
	Available() []string
}

// ModelRegistry maps model names to their session pools.
type ModelRegistry struct {
	pools map[string]*ModelSessionPool
}

// NewModelRegistry eagerly loads the catalog from modelsDir. A model whose
// file is missing or fails to load is logged and skipped; only an empty
// registry is a startup error.
func NewModelRegistry(modelsDir string, poolSize int) (*ModelRegistry, error) {
	r := &ModelRegistry{pools: make(map[string]*ModelSessionPool)}

	for _, name := range essentialModels {
		if err := r.loadModel(modelsDir, name, poolSize); err != nil {
			log.Printf("Failed to load essential model %s: %v", name, err)
		}
	}
	for _, name := range optionalModels {
		if err := r.loadModel(modelsDir, name, poolSize); err != nil {
			log.Printf("Optional model %s not loaded: %v", name, err)
		}
	}

	if len(r.pools) == 0 {
		return nil, fmt.Errorf("no models could be loaded from %s", modelsDir)
	}

	log.Printf("Model registry ready, available models: %v", r.Available())
	return r, nil
}

func (r *ModelRegistry) loadModel(modelsDir, name string, poolSize int) error {
	info := modelCatalog[name]
	modelPath := filepath.Join(modelsDir, name+".onnx")

	log.Printf("Loading %s...", name)
	pool, err := NewModelSessionPool(poolSize, func() (*matting.ModelSession, error) {
		return matting.NewSession(modelPath, info.InputSize)
	})
	if err != nil {
		return err
	}

	r.pools[name] = pool
	log.Printf("Loaded %s (%d sessions)", name, poolSize)
	return nil
}

// resolveModel picks the pool to use for a requested model name, falling back
// to the default and then to any loaded model. Unknown names never fail a
// request.
func resolveModel(requested string, available func(string) bool, fallbacks []string) string {
	if requested != "" && available(requested) {
		return requested
	}
	if requested != "" && requested != DefaultModel {
		log.Printf("Model %q not available, falling back to %q", requested, DefaultModel)
	}
	if available(DefaultModel) {
		return DefaultModel
	}
	for _, name := range fallbacks {
		if available(name) {
			return name
		}
	}
	return ""
}

func (r *ModelRegistry) Remove(ctx context.Context, modelName string, img image.Image, timings *models.ProcessingTimings) (*image.NRGBA, string, error) {
	name := resolveModel(modelName, func(n string) bool {
		_, ok := r.pools[n]
		return ok
	}, r.Available())
	if name == "" {
		return nil, "", fmt.Errorf("no model available")
	}

	session, err := r.pools[name].Acquire(ctx)
	if err != nil {
		return nil, name, fmt.Errorf("%w: %v", errNoSession, err)
	}
	defer r.pools[name].Release(session)

	out, err := matting.Cutout(ctx, img, session, timings)
	if err != nil {
		return nil, name, err
	}
	return out, name, nil
}

func (r *ModelRegistry) Available() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ModelRegistry) Metrics() map[string]PoolMetricsSnapshot {
	out := make(map[string]PoolMetricsSnapshot, len(r.pools))
	for name, pool := range r.pools {
		out[name] = pool.GetMetrics()
	}
	return out
}

func (r *ModelRegistry) Destroy() {
	for _, pool := range r.pools {
		pool.Destroy()
	}
}
