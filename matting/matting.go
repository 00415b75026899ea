package matting

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/freistellen/background-removal-service/models"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Engine is the part of a model session the pipeline needs. ModelSession
// implements it; tests substitute their own.
type Engine interface {
	Run() error
	InputSize() int
	InputData() []float32
	OutputData() []float32
}

// Cutout classifies the pixels of img as foreground or background and returns
// a copy of img with the background turned transparent. Transient inference
// failures are retried with linear backoff.
func Cutout(ctx context.Context, img image.Image, model Engine, timings *models.ProcessingTimings) (*image.NRGBA, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			out, err := cutoutInternal(img, model, timings)
			if err == nil {
				return out, nil
			}
			lastErr = err

			if attempt < RetryAttempts {
				time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unknown error")
}

func cutoutInternal(img image.Image, model Engine, timings *models.ProcessingTimings) (*image.NRGBA, error) {
	size := model.InputSize()

	resizeStart := time.Now()
	resized := imaging.Resize(img, size, size, imaging.Lanczos)
	timings.Resize += time.Since(resizeStart)

	prepStart := time.Now()
	writeInputTensor(model.InputData(), resized, size)
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := model.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	mask := buildMask(model.OutputData(), size)
	scaled := scaleMask(mask, img.Bounds().Dx(), img.Bounds().Dy())
	timings.Postprocess = time.Since(postStart)

	compositeStart := time.Now()
	out := applyMask(img, scaled)
	timings.Composite = time.Since(compositeStart)

	return out, nil
}

// writeInputTensor fills dst with the CHW float32 rendition of pic, scaled to
// [0,1] and normalized per channel. Rows are split across workers.
func writeInputTensor(dst []float32, pic *image.NRGBA, size int) {
	channelSize := size * size
	numWorkers := runtime.NumCPU()
	rowsPerWorker := size / numWorkers
	if rowsPerWorker == 0 {
		rowsPerWorker = size
		numWorkers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = size
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				offset := y * size
				row := pic.Pix[y*pic.Stride:]
				for x := 0; x < size; x++ {
					i := offset + x
					p := x * 4
					dst[i] = (float32(row[p])/255.0 - channelMean[0]) / channelStd[0]
					dst[channelSize+i] = (float32(row[p+1])/255.0 - channelMean[1]) / channelStd[1]
					dst[channelSize*2+i] = (float32(row[p+2])/255.0 - channelMean[2]) / channelStd[2]
				}
			}
		}(startY, endY)
	}

	wg.Wait()
}

// buildMask turns the raw saliency map into an 8-bit alpha mask, min-max
// normalized so the most salient pixel is fully opaque. A flat map (no
// salient region at all) yields a fully transparent mask.
func buildMask(pred []float32, size int) *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, size, size))

	lo, hi := pred[0], pred[0]
	for _, v := range pred {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	if hi <= lo {
		return mask
	}

	scale := 255.0 / (hi - lo)
	for i, v := range pred {
		mask.Pix[i] = uint8((v - lo) * scale)
	}
	return mask
}

func scaleMask(mask *image.Gray, width, height int) *image.Gray {
	if mask.Bounds().Dx() == width && mask.Bounds().Dy() == height {
		return mask
	}
	scaled := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	return scaled
}

// applyMask composites src with mask as the alpha channel. The result is
// non-premultiplied so fully transparent pixels keep their color values.
func applyMask(src image.Image, mask *image.Gray) *image.NRGBA {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, width, height))

	numWorkers := runtime.NumCPU()
	rowsPerWorker := height / numWorkers
	if rowsPerWorker == 0 {
		rowsPerWorker = height
		numWorkers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = height
		}

		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				for x := 0; x < width; x++ {
					r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					p := out.PixOffset(x, y)
					out.Pix[p] = uint8(r >> 8)
					out.Pix[p+1] = uint8(g >> 8)
					out.Pix[p+2] = uint8(b >> 8)
					out.Pix[p+3] = mask.GrayAt(x, y).Y
				}
			}
		}(startY, endY)
	}

	wg.Wait()
	return out
}
