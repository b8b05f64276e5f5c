package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingMediaType = errors.New("model: inline data requires a media type")
	ErrEmptyAttachment  = errors.New("model: attachment has no data")
	ErrInvalidImageSize = errors.New("model: image size must be one of 1K, 2K, 4K")
)

// Attachment is an inline binary payload sent alongside a prompt.
// The media type is always supplied by the caller, never sniffed.
type Attachment struct {
	Data     []byte
	MIMEType string
}

func (a Attachment) Validate() error {
	if len(a.Data) == 0 {
		return ErrEmptyAttachment
	}
	if strings.TrimSpace(a.MIMEType) == "" {
		return ErrMissingMediaType
	}
	return nil
}

// Part returns the attachment as an inline data part.
func (a Attachment) Part() InlineDataPart {
	return InlineDataPart{Data: a.Data, MIMEType: a.MIMEType}
}

// ImageSize is the resolution tier requested for generated images.
type ImageSize string

const (
	ImageSize1K ImageSize = "1K"
	ImageSize2K ImageSize = "2K"
	ImageSize4K ImageSize = "4K"
)

// ImageSizes lists every accepted tier in ascending order.
var ImageSizes = []ImageSize{ImageSize1K, ImageSize2K, ImageSize4K}

func (s ImageSize) Validate() error {
	switch s {
	case ImageSize1K, ImageSize2K, ImageSize4K:
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidImageSize, string(s))
	}
}

// ParseImageSize accepts "1k"/"1K" style input.
func ParseImageSize(raw string) (ImageSize, error) {
	size := ImageSize(strings.ToUpper(strings.TrimSpace(raw)))
	if err := size.Validate(); err != nil {
		return "", err
	}
	return size, nil
}

// LatLng biases location-grounded retrieval toward a point.
type LatLng struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}
