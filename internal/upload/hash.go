package upload

import (
	"crypto/sha1" //nolint:gosec // spec §4.6.3/§8 fixes SHA-1 as the rapid-upload fingerprint
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// preHash returns the hex SHA-1 of the first preHashSampleSize bytes of the
// file at fullPath (spec §4.6 step 3: "SHA-1 of a small prefix").
func preHash(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("upload: opening %s for pre-hash: %w", fullPath, err)
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec

	if _, err := io.CopyN(h, f, preHashSampleSize); err != nil && err != io.EOF {
		return "", fmt.Errorf("upload: pre-hashing %s: %w", fullPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// fullHash returns the hex SHA-1 of the whole file at fullPath (spec §4.6
// step 3, §8 law 8: "contentHash equal to the local SHA-1").
func fullHash(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("upload: opening %s for full hash: %w", fullPath, err)
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("upload: hashing %s: %w", fullPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
