package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoCode is returned when the model could not find a QR code
var ErrNoCode = errors.New("no receipt QR code found in image")

// payloadPattern locates a fiscal QR payload inside free text
var payloadPattern = regexp.MustCompile(`t=\d+T\d+&s=\d+(\.\d*)?&fn=\d+&i=\d+&fp=\d+&n=\d+`)

type decodeResponse struct {
	QR *string `json:"qr"`
}

// parseFingerprintResponse pulls the QR payload out of a model answer. The
// answer should be {"qr": "..."} but models sometimes wrap it in markdown or
// reply with the bare string.
func parseFingerprintResponse(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		var resp decodeResponse
		if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
			return "", fmt.Errorf("unmarshaling json: %w", err)
		}
		if resp.QR == nil || strings.TrimSpace(*resp.QR) == "" {
			return "", ErrNoCode
		}
		text = *resp.QR
	}

	payload := payloadPattern.FindString(text)
	if payload == "" {
		return "", ErrNoCode
	}
	return payload, nil
}
