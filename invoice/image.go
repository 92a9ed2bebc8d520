package invoice

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/ffs/balance-engine/ledger"
)

const (
	// MaxUploadBytes bounds what the API accepts before decoding.
	MaxUploadBytes = 10 << 20

	maxDimension = 1600
	jpegQuality  = 80
)

var acceptedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// Prepared is an image ready to send to an Extractor.
type Prepared struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// PrepareImage decodes a JPEG or PNG, shrinks it so neither side exceeds
// maxDimension, and re-encodes it as JPEG. Orientation tags are honoured.
func PrepareImage(data []byte, mimeType string) (Prepared, error) {
	if !acceptedTypes[mimeType] {
		return Prepared{}, ledger.Invalid("image", fmt.Sprintf("unsupported type %q (use JPEG or PNG)", mimeType))
	}
	if len(data) == 0 {
		return Prepared{}, ledger.Invalid("image", "empty upload")
	}
	if len(data) > MaxUploadBytes {
		return Prepared{}, ledger.Invalid("image", fmt.Sprintf("larger than %d MB", MaxUploadBytes>>20))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Prepared{}, ledger.Invalid("image", "cannot decode: "+err.Error())
	}

	b := img.Bounds()
	if b.Dx() > maxDimension || b.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return Prepared{}, fmt.Errorf("encode jpeg: %w", err)
	}
	out := img.Bounds()
	return Prepared{Data: buf.Bytes(), MimeType: "image/jpeg", Width: out.Dx(), Height: out.Dy()}, nil
}
