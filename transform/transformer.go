package transform

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-dataparallel/dataset"
)

// Phase selects training-time (random) or evaluation-time (deterministic) augmentation
type Phase int

const (
	Train Phase = iota
	Test
)

// Config holds per-sample preprocessing options
type Config struct {
	CropSize   int       // square crop edge; 0 disables cropping
	Mirror     bool      // random horizontal flips
	Scale      float64   // multiplier applied after mean subtraction; 0 means 1
	MeanFile   string    // binary BlobProto holding the per-pixel mean
	MeanValues []float64 // per-channel mean, used when no mean file is given
	Phase      Phase
}

// DefaultConfig returns a transform configuration with no augmentation
func DefaultConfig() Config {
	return Config{Scale: 1, Phase: Train}
}

// Transformer turns one datum into network input. Implementations must be
// deterministic for a given seed.
type Transformer interface {
	// Seed resets the random state
	Seed(seed int64)
	// OutputShape returns the per-sample output shape for a datum shape
	OutputShape(channels, height, width int) (int, int, int)
	// Transform writes the preprocessed datum into dst. mean has at least the
	// datum's channels, height and width.
	Transform(d *dataset.Datum, mean *dataset.Blob, dst []float64) error
}

// DataTransformer crops, mirrors, subtracts the mean and scales samples
type DataTransformer struct {
	config Config
	rng    *rand.Rand
}

// NewDataTransformer creates a transformer seeded with seed
func NewDataTransformer(config Config, seed int64) *DataTransformer {
	if config.Scale == 0 {
		config.Scale = 1
	}
	return &DataTransformer{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Config returns the transformer's configuration
func (dt *DataTransformer) Config() Config {
	return dt.config
}

func (dt *DataTransformer) Seed(seed int64) {
	dt.rng = rand.New(rand.NewSource(seed))
}

func (dt *DataTransformer) OutputShape(channels, height, width int) (int, int, int) {
	if dt.config.CropSize > 0 {
		return channels, dt.config.CropSize, dt.config.CropSize
	}
	return channels, height, width
}

func (dt *DataTransformer) Transform(d *dataset.Datum, mean *dataset.Blob, dst []float64) error {
	if err := d.Validate(); err != nil {
		return err
	}

	channels, height, width := dt.OutputShape(d.Channels, d.Height, d.Width)
	if len(dst) != channels*height*width {
		return errors.Errorf("output holds %d values, transform produces %d", len(dst), channels*height*width)
	}
	if height > d.Height || width > d.Width {
		return errors.Errorf("crop %dx%d larger than datum %dx%d", height, width, d.Height, d.Width)
	}
	useMeanValues := len(dt.config.MeanValues) > 0 && dt.config.MeanFile == ""
	if useMeanValues && len(dt.config.MeanValues) != 1 && len(dt.config.MeanValues) != d.Channels {
		return errors.Errorf("%d mean values for %d channels", len(dt.config.MeanValues), d.Channels)
	}

	hOff, wOff := 0, 0
	if dt.config.CropSize > 0 {
		if dt.config.Phase == Train {
			hOff = dt.rng.Intn(d.Height - height + 1)
			wOff = dt.rng.Intn(d.Width - width + 1)
		} else {
			hOff = (d.Height - height) / 2
			wOff = (d.Width - width) / 2
		}
	}
	mirror := dt.config.Mirror && dt.rng.Intn(2) == 1
	scale := dt.config.Scale

	for c := 0; c < channels; c++ {
		for h := 0; h < height; h++ {
			for w := 0; w < width; w++ {
				src := (c*d.Height+hOff+h)*d.Width + wOff + w
				dstIndex := (c*height+h)*width + w
				if mirror {
					dstIndex = (c*height+h)*width + (width - 1 - w)
				}

				v := d.Value(src)
				switch {
				case useMeanValues:
					mv := dt.config.MeanValues[0]
					if len(dt.config.MeanValues) > 1 {
						mv = dt.config.MeanValues[c]
					}
					v -= mv
				case mean != nil:
					v -= mean.At(0, c, hOff+h, wOff+w)
				}
				dst[dstIndex] = v * scale
			}
		}
	}
	return nil
}
