package receipt

import (
	"regexp"
	"strings"
)

// fingerprintPattern matches the payload of a fiscal receipt QR code
var fingerprintPattern = regexp.MustCompile(`^t=\d+T\d+&s=\d+(\.\d*)?&fn=\d+&i=\d+&fp=\d+&n=\d+$`)

// NormalizeFingerprint trims surrounding whitespace and checks the scan-code
// shape. It never touches the network.
func NormalizeFingerprint(raw string) (string, error) {
	fp := strings.TrimSpace(raw)
	if fp == "" {
		return "", &ValidationError{Msg: "empty receipt string"}
	}
	if !fingerprintPattern.MatchString(fp) {
		return "", &ValidationError{Msg: "this does not look like a receipt QR string"}
	}
	return fp, nil
}
