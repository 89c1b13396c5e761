// Package checksum computes and verifies the content digests carried by
// log attachments. Digests have the form "sha256:<64 hex chars>".
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMismatch is returned when content does not match its digest
var ErrMismatch = errors.New("checksum mismatch")

const prefix = "sha256:"

// SHA256Bytes computes the digest of a byte slice
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return prefix + hex.EncodeToString(hash[:])
}

// SHA256File computes the digest of a file, streaming its content
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return prefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify checks data against an expected digest
func Verify(data []byte, expected string) error {
	if err := validate(expected); err != nil {
		return err
	}
	if actual := SHA256Bytes(data); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, actual)
	}
	return nil
}

// VerifyFile checks a stored file against an expected digest
func VerifyFile(path string, expected string) error {
	if err := validate(expected); err != nil {
		return err
	}

	actual, err := SHA256File(path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, actual)
	}
	return nil
}

func validate(sum string) error {
	if !strings.HasPrefix(sum, prefix) {
		return fmt.Errorf("invalid checksum format: must start with %q", prefix)
	}
	if len(sum) != len(prefix)+64 {
		return fmt.Errorf("invalid checksum format: expected %d characters, got %d", len(prefix)+64, len(sum))
	}
	return nil
}
