package scanning

import "context"

// Decoder reads the fiscal QR payload from a receipt photo or scan
type Decoder interface {
	// DecodeFingerprint returns the raw QR string printed on the receipt
	DecodeFingerprint(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the decoder and releases resources
	Close() error
}
