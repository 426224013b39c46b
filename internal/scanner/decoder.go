package scanner

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNoMatch means the frame held no decodable QR code. The sampling loop
// treats it as "keep polling", not as a failure.
var ErrNoMatch = errors.New("no qr code in frame")

// Decoder turns one camera frame into a QR payload.
type Decoder interface {
	Decode(frame image.Image) (string, error)
}

type qrDecoder struct {
	reader gozxing.Reader
}

// NewQRDecoder returns the production decoder backed by the zxing port.
func NewQRDecoder() Decoder {
	return &qrDecoder{reader: qrcode.NewQRCodeReader()}
}

func (d *qrDecoder) Decode(frame image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(frame)
	if err != nil {
		return "", fmt.Errorf("build bitmap: %w", err)
	}

	result, err := d.reader.Decode(bmp, nil)
	if err != nil {
		return "", ErrNoMatch
	}
	return result.GetText(), nil
}
