package util

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSize is the length in bytes of a content fingerprint digest
const FingerprintSize = blake2b.Size256

// Fingerprint computes a BLAKE2b-256 digest over the exact bytes of a file.
// Used for change detection only.
func Fingerprint(path string) (string, error) {
	f, err := RetryableOpen(path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return FingerprintReader(f)
}

// FingerprintReader digests everything read from r
func FingerprintReader(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to init hash: %w", err)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
