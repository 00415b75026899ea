package main

import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/freistellen/background-removal-service/matting"
	"github.com/freistellen/background-removal-service/models"

	"github.com/gorilla/mux"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	ServiceName    = "freistellen.online background removal API"
	ServiceVersion = "1.0"
)

var (
	debugMode bool
)

func init() {
	debugMode = os.Getenv("DEBUG") == "true"
}

func logTimings(t *models.ProcessingTimings) {
	if debugMode {
		log.Printf("[DEBUG] RequestID: %s - Processing times:\n"+
			"\tImage Decode: %v\n"+
			"\tResize:      %v\n"+
			"\tPreprocess:  %v\n"+
			"\tInference:   %v\n"+
			"\tPostprocess: %v\n"+
			"\tComposite:   %v\n"+
			"\tTotal:       %v",
			t.RequestID,
			t.ImageDecode,
			t.Resize,
			t.Preprocess,
			t.Inference,
			t.Postprocess,
			t.Composite,
			t.Total)
	}
}

type AppState struct {
	Remover backgroundRemover
	Plan    Plan
	Limits  PlanLimits

	registry *ModelRegistry
}

// handlers only see backgroundRemover so tests can stub it.
var _ backgroundRemover = (*ModelRegistry)(nil)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("Starting %s...", ServiceName)

	plan, limits := DetectPlan()

	ort.SetSharedLibraryPath(matting.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("Failed to initialize ONNX environment: %v", err)
	}
	defer ort.DestroyEnvironment()

	modelsDir := os.Getenv("MODELS_DIR")
	if modelsDir == "" {
		modelsDir = "./models"
	}

	registry, err := NewModelRegistry(modelsDir, limits.PoolSize)
	if err != nil {
		log.Fatalf("Failed to create model registry: %v", err)
	}
	defer registry.Destroy()

	watchdog := startMemoryWatchdog()
	defer watchdog.Stop()

	state := &AppState{
		Remover:  registry,
		Plan:     plan,
		Limits:   limits,
		registry: registry,
	}

	r := newRouter(state)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}

	srv := &http.Server{
		Handler: r,
		Addr:    ":" + port,
		// Inference on large images is slow on small plans.
		WriteTimeout: 120 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	log.Printf("Listening on %s (plan: %s, models: %v)", srv.Addr, plan, registry.Available())
	// Returning instead of log.Fatal lets the deferred teardown run.
	if err := srv.ListenAndServe(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/", handleHealth(state)).Methods("GET")
	r.HandleFunc("/models", handleModels(state)).Methods("GET")
	r.HandleFunc("/remove-bg", handleRemoveBackground(state)).Methods("POST", "OPTIONS")
	r.HandleFunc("/batch", handleBatch(state)).Methods("POST", "OPTIONS")
	r.HandleFunc("/console", handleConsole).Methods("GET")
	state.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/memory", s.handleMemory).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, map[string]PoolMetricsSnapshot{})
		return
	}
	writeJSON(w, s.registry.Metrics())
}
