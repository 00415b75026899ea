package matting

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/freistellen/background-removal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine stands in for a real ONNX session so the pipeline and its retry
// behavior can be tested without the runtime.
type fakeEngine struct {
	size   int
	input  []float32
	output []float32
	errs   []error
	runs   int
}

func newFakeEngine(size int) *fakeEngine {
	return &fakeEngine{
		size:   size,
		input:  make([]float32, size*size*3),
		output: make([]float32, size*size),
	}
}

func (f *fakeEngine) Run() error {
	f.runs++
	if f.runs <= len(f.errs) {
		return f.errs[f.runs-1]
	}
	return nil
}

func (f *fakeEngine) InputSize() int        { return f.size }
func (f *fakeEngine) InputData() []float32  { return f.input }
func (f *fakeEngine) OutputData() []float32 { return f.output }

func solidNRGBA(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 200
		img.Pix[i+1] = 100
		img.Pix[i+2] = 50
		img.Pix[i+3] = 255
	}
	return img
}

func TestCutoutCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newFakeEngine(2)
	out, err := Cutout(ctx, solidNRGBA(2), engine, &models.ProcessingTimings{})

	assert.Nil(t, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, engine.runs, "inference must not run after cancellation")
}

func TestCutoutRetriesTransientFailures(t *testing.T) {
	engine := newFakeEngine(2)
	engine.errs = []error{errors.New("transient"), errors.New("transient")}
	engine.output = []float32{0, 1, 0, 1}

	out, err := Cutout(context.Background(), solidNRGBA(2), engine, &models.ProcessingTimings{})
	require.NoError(t, err)
	assert.Equal(t, RetryAttempts, engine.runs)

	assert.Equal(t, uint8(255), out.NRGBAAt(1, 0).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
}

func TestCutoutReturnsLastErrorWhenExhausted(t *testing.T) {
	final := errors.New("device lost")
	engine := newFakeEngine(2)
	engine.errs = []error{errors.New("transient"), errors.New("transient"), final}

	out, err := Cutout(context.Background(), solidNRGBA(2), engine, &models.ProcessingTimings{})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, final)
	assert.Equal(t, RetryAttempts, engine.runs)
}

func TestBuildMaskNormalizesToFullRange(t *testing.T) {
	pred := []float32{0.2, 0.7, 0.45, 0.2}
	mask := buildMask(pred, 2)

	assert.Equal(t, uint8(0), mask.Pix[0])
	assert.Equal(t, uint8(255), mask.Pix[1])
	assert.Equal(t, uint8(127), mask.Pix[2])
	assert.Equal(t, uint8(0), mask.Pix[3])
}

func TestBuildMaskFlatMapIsTransparent(t *testing.T) {
	pred := []float32{0.5, 0.5, 0.5, 0.5}
	mask := buildMask(pred, 2)

	for i, v := range mask.Pix {
		assert.Equalf(t, uint8(0), v, "pixel %d", i)
	}
}

func TestScaleMask(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range mask.Pix {
		mask.Pix[i] = 255
	}

	scaled := scaleMask(mask, 8, 6)
	assert.Equal(t, 8, scaled.Bounds().Dx())
	assert.Equal(t, 6, scaled.Bounds().Dy())
	// Interior of a solid mask stays solid after interpolation.
	assert.Equal(t, uint8(255), scaled.GrayAt(4, 3).Y)

	same := scaleMask(mask, 4, 4)
	assert.Same(t, mask, same)
}

func TestApplyMask(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 255})
	mask.SetGray(1, 0, color.Gray{Y: 128})
	// (0,1) and (1,1) stay 0

	out := applyMask(src, mask)
	require.Equal(t, src.Bounds(), out.Bounds())

	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 50, A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, uint8(128), out.NRGBAAt(1, 0).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 1).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(1, 1).A)
	// Color survives even where alpha is zero (non-premultiplied).
	assert.Equal(t, uint8(200), out.NRGBAAt(0, 1).R)
}

func TestWriteInputTensorNormalization(t *testing.T) {
	const size = 2
	pic := image.NewNRGBA(image.Rect(0, 0, size, size))
	pic.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	pic.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	pic.SetNRGBA(0, 1, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
	pic.SetNRGBA(1, 1, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	buf := make([]float32, size*size*3)
	writeInputTensor(buf, pic, size)

	channelSize := size * size

	// Red pixel: R channel is (1.0-mean)/std, G and B are (0.0-mean)/std.
	assert.InDelta(t, (1.0-channelMean[0])/channelStd[0], buf[0], 1e-4)
	assert.InDelta(t, (0.0-channelMean[1])/channelStd[1], buf[channelSize], 1e-4)
	assert.InDelta(t, (0.0-channelMean[2])/channelStd[2], buf[2*channelSize], 1e-4)

	// Green pixel.
	assert.InDelta(t, (0.0-channelMean[0])/channelStd[0], buf[1], 1e-4)
	assert.InDelta(t, (1.0-channelMean[1])/channelStd[1], buf[channelSize+1], 1e-4)

	// Gray pixel.
	gray := float32(128) / 255.0
	assert.InDelta(t, (gray-channelMean[0])/channelStd[0], buf[3], 1e-4)
	assert.InDelta(t, (gray-channelMean[1])/channelStd[1], buf[channelSize+3], 1e-4)
	assert.InDelta(t, (gray-channelMean[2])/channelStd[2], buf[2*channelSize+3], 1e-4)
}
