package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freistellen/background-removal-service/models"

	"github.com/disintegration/imaging"
	"github.com/segmentio/ksuid"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type removeParams struct {
	model   string
	maxSize int
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func handleHealth(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response := map[string]interface{}{
			"status":           "online",
			"service":          ServiceName,
			"version":          ServiceVersion,
			"plan":             state.Plan,
			"available_models": state.Remover.Available(),
			"endpoints": map[string]string{
				"remove_background": "/remove-bg",
				"batch_process":     "/batch",
				"models":            "/models",
				"console":           "/console",
				"health":            "/",
			},
			"usage": map[string]string{
				"single_image":    "POST /remove-bg with 'image' file",
				"model_selection": "Add 'model' parameter (u2net, silueta, u2net_human_seg)",
				"size_limit":      fmt.Sprintf("Add 'max_size' parameter (default: 1500px, cap: %dpx)", state.Limits.MaxPixelSize),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func handleModels(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		available := make(map[string]string)
		for _, name := range state.Remover.Available() {
			description := "Segmentation model for background removal"
			if info, ok := modelCatalog[name]; ok {
				description = info.Description
			}
			available[name] = description
		}

		response := map[string]interface{}{
			"available_models": available,
			"default":          DefaultModel,
			"recommendations":  modelRecommendations,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func handleRemoveBackground(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		timings := &models.ProcessingTimings{RequestID: ksuid.New().String()}
		ctx := r.Context()

		imgBytes, filename, params, err := parseUploadRequest(r, state.Limits)
		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		if debugMode {
			log.Printf("[DEBUG] RequestID: %s - new request: %s, model: %s, max_size: %d",
				timings.RequestID, filename, params.model, params.maxSize)
		}

		pngBytes, usedModel, err := state.processImage(ctx, imgBytes, params, timings)
		if err != nil {
			sendProcessingError(w, err)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(timings)

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `inline; filename="freigestellt.png"`)
		w.Header().Set("X-Processing-Time", fmt.Sprintf("%.2fs", timings.Total.Seconds()))
		w.Header().Set("X-Model-Used", usedModel)
		w.Header().Set("X-Service", ServiceName)
		w.Write(pngBytes)
	}
}

type BatchItemResult struct {
	Index          int    `json:"index"`
	Filename       string `json:"filename"`
	Success        bool   `json:"success"`
	ProcessingTime string `json:"processing_time,omitempty"`
	ModelUsed      string `json:"model_used,omitempty"`
	ImageData      string `json:"image_data,omitempty"`
	Error          string `json:"error,omitempty"`
}

type BatchSummary struct {
	TotalImages int    `json:"total_images"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	TotalTime   string `json:"total_time"`
	AverageTime string `json:"average_time"`
}

type BatchResponse struct {
	BatchResults BatchSummary      `json:"batch_results"`
	Results      []BatchItemResult `json:"results"`
}

func handleBatch(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := r.ParseMultipartForm(state.Limits.MaxUploadBytes); err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		files := r.MultipartForm.File["images"]
		if len(files) == 0 {
			sendErrorResponse(w, "invalid_request", "no images found, send files as 'images'", http.StatusBadRequest)
			return
		}
		if len(files) > state.Limits.MaxBatchImages {
			sendErrorResponseHint(w, "batch_limit",
				fmt.Sprintf("at most %d images per batch", state.Limits.MaxBatchImages),
				fmt.Sprintf("%s plan limit", state.Plan),
				http.StatusBadRequest)
			return
		}

		params := removeParams{
			model:   r.FormValue("model"),
			maxSize: clampMaxSize(0, state.Limits),
		}

		log.Printf("Batch of %d images, model: %q", len(files), params.model)

		results := make([]BatchItemResult, 0, len(files))
		var totalTime time.Duration
		successful := 0

		for i, header := range files {
			item := BatchItemResult{Index: i, Filename: header.Filename}

			timings := &models.ProcessingTimings{
				RequestID: fmt.Sprintf("%s-%d", ksuid.New().String(), i),
			}

			pngBytes, usedModel, err := state.processBatchItem(ctx, header, params, timings)
			if err != nil {
				item.Error = err.Error()
				results = append(results, item)
				continue
			}

			totalTime += timings.Total
			successful++
			item.Success = true
			item.ProcessingTime = fmt.Sprintf("%.2fs", timings.Total.Seconds())
			item.ModelUsed = usedModel
			item.ImageData = "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
			results = append(results, item)
		}

		response := BatchResponse{
			BatchResults: BatchSummary{
				TotalImages: len(files),
				Successful:  successful,
				Failed:      len(files) - successful,
				TotalTime:   fmt.Sprintf("%.2fs", totalTime.Seconds()),
				AverageTime: fmt.Sprintf("%.2fs", totalTime.Seconds()/float64(len(files))),
			},
			Results: results,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func (s *AppState) processBatchItem(ctx context.Context, header *multipart.FileHeader, params removeParams, timings *models.ProcessingTimings) ([]byte, string, error) {
	start := time.Now()

	file, err := header.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}

	pngBytes, usedModel, err := s.processImage(ctx, data, params, timings)
	timings.Total = time.Since(start)
	return pngBytes, usedModel, err
}

// processImage is the shared decode -> downscale -> segment -> encode
// pipeline behind /remove-bg and /batch.
func (s *AppState) processImage(ctx context.Context, data []byte, params removeParams, timings *models.ProcessingTimings) ([]byte, string, error) {
	decodeStart := time.Now()
	img, err := decodeImage(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errInvalidImage, err)
	}

	resizeStart := time.Now()
	img = fitToLimit(img, params.maxSize, timings.RequestID)
	timings.Resize = time.Since(resizeStart)

	result, usedModel, err := s.Remover.Remove(ctx, params.model, img, timings)
	if err != nil {
		return nil, usedModel, err
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, result); err != nil {
		return nil, usedModel, fmt.Errorf("encode png: %w", err)
	}

	return buf.Bytes(), usedModel, nil
}

// fitToLimit shrinks img so its longest side is at most maxSize. Images
// already within the limit pass through untouched.
func fitToLimit(img image.Image, maxSize int, requestID string) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxSize && bounds.Dy() <= maxSize {
		return img
	}

	fitted := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	if debugMode {
		log.Printf("[DEBUG] RequestID: %s - downscaled %dx%d -> %dx%d",
			requestID, bounds.Dx(), bounds.Dy(), fitted.Bounds().Dx(), fitted.Bounds().Dy())
	}
	return fitted
}

func parseUploadRequest(r *http.Request, limits PlanLimits) ([]byte, string, removeParams, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		return parseJSONUpload(r, limits)
	}
	return parseMultipartUpload(r, limits)
}

func parseMultipartUpload(r *http.Request, limits PlanLimits) ([]byte, string, removeParams, error) {
	var params removeParams

	if err := r.ParseMultipartForm(limits.MaxUploadBytes); err != nil {
		return nil, "", params, fmt.Errorf("parse form: %w", err)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", params, errors.New("no image found, send the file as 'image'")
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, "", params, errors.New("empty file")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", params, fmt.Errorf("read upload: %w", err)
	}

	params.model = r.FormValue("model")
	params.maxSize = clampMaxSize(parseIntDefault(r.FormValue("max_size"), 0), limits)
	return data, header.Filename, params, nil
}

func parseJSONUpload(r *http.Request, limits PlanLimits) ([]byte, string, removeParams, error) {
	var params removeParams
	var req struct {
		Image   string `json:"image"`
		Model   string `json:"model"`
		MaxSize int    `json:"max_size"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", params, fmt.Errorf("decode json: %w", err)
	}
	if req.Image == "" {
		return nil, "", params, errors.New("no image found, send base64 data as 'image'")
	}

	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, "", params, fmt.Errorf("decode base64 image: %w", err)
	}

	params.model = req.Model
	params.maxSize = clampMaxSize(req.MaxSize, limits)
	return data, "upload.png", params, nil
}

const (
	defaultMaxSize = 1500
	minMaxSize     = 16
)

func clampMaxSize(requested int, limits PlanLimits) int {
	if requested <= 0 {
		requested = defaultMaxSize
	}
	if requested < minMaxSize {
		return minMaxSize
	}
	if requested > limits.MaxPixelSize {
		return limits.MaxPixelSize
	}
	return requested
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

var (
	errInvalidImage = errors.New("failed to decode image")
	errNoSession    = errors.New("no inference session available")
)

func sendProcessingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInvalidImage):
		sendErrorResponse(w, "invalid_image", err.Error(), http.StatusBadRequest)
	case errors.Is(err, errNoSession):
		sendErrorResponse(w, "session_error", err.Error(), http.StatusServiceUnavailable)
	default:
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func sendErrorResponseHint(w http.ResponseWriter, code, message, hint string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		Hint:    hint,
	})
}
