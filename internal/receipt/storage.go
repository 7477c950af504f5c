package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Archive keeps the raw ticket record of every processed fingerprint
type Archive interface {
	// Save stores the raw record and returns the archive key
	Save(fingerprint string, data []byte) (string, error)

	// Get retrieves the raw record for a fingerprint
	Get(fingerprint string) ([]byte, error)
}

// LocalArchive implements Archive on the local filesystem
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates the archive directory if needed
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	return &LocalArchive{
		basePath: basePath,
	}, nil
}

// archiveKey maps a fingerprint onto a filesystem-safe name
func archiveKey(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:]) + ".json"
}

// Save writes the raw record, replacing any previous copy
func (l *LocalArchive) Save(fingerprint string, data []byte) (string, error) {
	key := archiveKey(fingerprint)
	if err := os.WriteFile(filepath.Join(l.basePath, key), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get reads the raw record for a fingerprint
func (l *LocalArchive) Get(fingerprint string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, archiveKey(fingerprint)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}
