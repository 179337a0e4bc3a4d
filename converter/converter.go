package converter

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedFormat means the bytes are not a decodable image.
	// Permanent for that input; the caller must not retry.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooSmall means the source is below the minimum pixel threshold.
	ErrTooSmall = errors.New("image below minimum dimensions")
)

// Converter turns raw photo bytes into thumbnail bytes. It is deterministic
// for a given configuration and performs no external I/O.
type Converter struct {
	thumbWidth  int
	thumbHeight int
	minDim      int
	quality     int
	logger      *zap.Logger
}

func NewConverter(thumbWidth, thumbHeight, minDim int, logger *zap.Logger) *Converter {
	return &Converter{
		thumbWidth:  thumbWidth,
		thumbHeight: thumbHeight,
		minDim:      minDim,
		quality:     85,
		logger:      logger,
	}
}

// Result carries the thumbnail and the source dimensions.
type Result struct {
	Thumbnail []byte
	Width     int
	Height    int
}

// Thumbnail decodes src, crops-and-scales it to the configured thumbnail
// size, and re-encodes as JPEG.
func (c *Converter) Thumbnail(src []byte) (*Result, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < c.minDim || height < c.minDim {
		return nil, fmt.Errorf("%w: %dx%d, minimum %dpx", ErrTooSmall, width, height, c.minDim)
	}

	var thumb *image.NRGBA
	if width == c.thumbWidth && height == c.thumbHeight {
		thumb = imaging.Clone(img)
	} else {
		thumb = imaging.Fill(img, c.thumbWidth, c.thumbHeight, imaging.Center, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	c.logger.Debug("Thumbnail generated",
		zap.Int("source_width", width),
		zap.Int("source_height", height),
		zap.Int("bytes", buf.Len()),
	)

	return &Result{
		Thumbnail: buf.Bytes(),
		Width:     width,
		Height:    height,
	}, nil
}
