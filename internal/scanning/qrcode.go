package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QRCode reads the payload with a barcode detector. Images the detector
// cannot read go to the fallback decoder when one is set.
type QRCode struct {
	fallback Decoder
}

// NewQRCode creates a detector-first decoder. fallback may be nil.
func NewQRCode(fallback Decoder) *QRCode {
	return &QRCode{fallback: fallback}
}

// DecodeFingerprint returns the QR payload printed on the receipt
func (q *QRCode) DecodeFingerprint(ctx context.Context, imageData []byte, contentType string) (string, error) {
	payload, err := detectQR(imageData, contentType)
	if err == nil {
		return payload, nil
	}
	if q.fallback == nil {
		return "", err
	}

	slog.Debug("QR detector could not read the image, asking the model", "error", err)
	return q.fallback.DecodeFingerprint(ctx, imageData, contentType)
}

// Close closes the fallback decoder
func (q *QRCode) Close() error {
	if q.fallback == nil {
		return nil
	}
	return q.fallback.Close()
}

func detectQR(imageData []byte, contentType string) (string, error) {
	pngData, err := preparePNG(imageData, contentType)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(pngData))
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarizing image: %w", err)
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCode, err)
	}

	payload := payloadPattern.FindString(result.GetText())
	if payload == "" {
		return "", ErrNoCode
	}
	return payload, nil
}
