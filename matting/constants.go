package matting

const (
	// DefaultInputSize is the square input resolution of the u2net model
	// family. isnet variants use 1024 and carry their size in the catalog.
	DefaultInputSize = 320

	RetryAttempts = 3
	RetryDelayMs  = 100
)

// ImageNet normalization, matching how the models were trained.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)
