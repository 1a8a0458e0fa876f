package content

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"reflect"
	"testing"
)

func TestParseRecipients(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"mixed separators", "1,2;3\n4", []string{"1", "2", "3", "4"}},
		{"trims and drops empties", " 62811 ,, ;\n\n 62812\r\n", []string{"62811", "62812"}},
		{"keeps duplicates", "a,a,b", []string{"a", "a", "b"}},
		{"empty", "  \n ; , ", []string{}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseRecipients(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseRecipients(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestMessageEmpty(t *testing.T) {
	t.Parallel()
	if !(Message{Text: "   "}).Empty() {
		t.Fatalf("whitespace text should be empty")
	}
	if (Message{Text: "hi"}).Empty() {
		t.Fatalf("text message should not be empty")
	}
	if (Message{Image: &Image{ContentType: "image/png"}}).Empty() {
		t.Fatalf("image message should not be empty")
	}
}

func encode(t *testing.T, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func TestNewImageDetectsFormat(t *testing.T) {
	t.Parallel()
	for format, ct := range map[string]string{"png": "image/png", "jpeg": "image/jpeg"} {
		img, err := NewImage("promo."+format, encode(t, format), 0)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", format, err)
		}
		if img.ContentType != ct {
			t.Fatalf("%s: content type = %q, want %q", format, img.ContentType, ct)
		}
		if img.Width != 4 || img.Height != 3 {
			t.Fatalf("%s: dims = %dx%d", format, img.Width, img.Height)
		}
	}
}

func TestNewImageRejectsUnsupported(t *testing.T) {
	t.Parallel()
	if _, err := NewImage("a.gif", encode(t, "gif"), 0); !errors.Is(err, ErrImageFormat) {
		t.Fatalf("gif: expected ErrImageFormat, got %v", err)
	}
	if _, err := NewImage("a.txt", []byte("not an image"), 0); !errors.Is(err, ErrImageFormat) {
		t.Fatalf("text: expected ErrImageFormat, got %v", err)
	}
}

func TestNewImageSizeLimit(t *testing.T) {
	t.Parallel()
	data := encode(t, "png")
	if _, err := NewImage("a.png", data, int64(len(data))-1); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	if _, err := NewImage("a.png", data, int64(len(data))); err != nil {
		t.Fatalf("exact limit should pass: %v", err)
	}
}

func TestImageValidate(t *testing.T) {
	t.Parallel()
	img := &Image{ContentType: "image/webp", Data: make([]byte, 10)}
	if err := img.Validate(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := img.Validate(5); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	img.ContentType = "image/gif"
	if err := img.Validate(0); !errors.Is(err, ErrImageFormat) {
		t.Fatalf("expected ErrImageFormat, got %v", err)
	}
	var nilImg *Image
	if err := nilImg.Validate(0); err != nil {
		t.Fatalf("nil image should validate: %v", err)
	}
}
