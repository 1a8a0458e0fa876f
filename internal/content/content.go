// Package content holds the broadcast payload (text and/or image) and the
// helpers that turn operator input into recipients and validated images.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// MaxImageBytes is the largest image accepted for a broadcast (150 MiB).
const MaxImageBytes int64 = 150 << 20

var (
	ErrImageTooLarge = errors.New("image exceeds size limit")
	ErrImageFormat   = errors.New("unsupported image format")
)

// Supported image formats, keyed by the name image.DecodeConfig reports.
var SupportedFormats = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
}

// Image is an attachment sent with every message of a run.
type Image struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Data        []byte `json:"-"`
}

func (i *Image) Size() int64 {
	if i == nil {
		return 0
	}
	return int64(len(i.Data))
}

// Message is the payload shared by all recipients of a run.
type Message struct {
	Text  string `json:"text,omitempty"`
	Image *Image `json:"image,omitempty"`
}

// Empty reports whether the message has neither text nor image.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Image == nil
}

// ParseRecipients splits operator input on newlines, commas and semicolons.
// Entries are trimmed and empty ones dropped. Order and duplicates are kept.
func ParseRecipients(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// NewImage validates data and returns an Image with its detected content type.
// maxBytes <= 0 means MaxImageBytes.
func NewImage(name string, data []byte, maxBytes int64) (*Image, error) {
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, len(data), maxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageFormat, err)
	}
	ct, ok := SupportedFormats[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageFormat, format)
	}
	return &Image{
		Name:        strings.TrimSpace(name),
		ContentType: ct,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Data:        data,
	}, nil
}

// Validate re-checks an Image built elsewhere.
func (i *Image) Validate(maxBytes int64) error {
	if i == nil {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	if i.Size() > maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, i.Size(), maxBytes)
	}
	for _, ct := range SupportedFormats {
		if i.ContentType == ct {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrImageFormat, i.ContentType)
}
