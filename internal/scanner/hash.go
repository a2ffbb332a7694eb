package scanner

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Level selects how much of a file's content the scanner hashes (spec
// §4.2): 0 none, 1 head sample, 2 multiple sampled windows, 3 full content.
type Level int

const (
	LevelNone Level = iota
	LevelHeadSample
	LevelSampledWindows
	LevelFull
)

// Algorithm is the digest algorithm applied at the chosen Level.
type Algorithm string

const (
	AlgorithmSHA1 Algorithm = "sha1"
	AlgorithmXXH  Algorithm = "xxh"
	AlgorithmMD5  Algorithm = "md5"
)

// headSampleSize is the fixed prefix length hashed at LevelHeadSample.
const headSampleSize = 64 * 1024

// sampledWindowSize and sampledWindowCount bound the work done at
// LevelSampledWindows: a handful of fixed windows spread across the file
// rather than a full read.
const (
	sampledWindowSize  = 16 * 1024
	sampledWindowCount = 4
)

func newDigest(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case AlgorithmSHA1:
		return sha1.New(), nil
	case AlgorithmMD5:
		return md5.New(), nil
	case AlgorithmXXH:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("scanner: unknown hash algorithm %q", alg)
	}
}

// computeHash computes a LocalEntry.hash for fullPath at the given level
// and algorithm. It returns "" for LevelNone.
func computeHash(fullPath string, size int64, level Level, alg Algorithm) (string, error) {
	if level == LevelNone {
		return "", nil
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("scanner: opening %s for hashing: %w", fullPath, err)
	}
	defer f.Close()

	digest, err := newDigest(alg)
	if err != nil {
		return "", err
	}

	switch level {
	case LevelHeadSample:
		if err := hashHead(digest, f, headSampleSize); err != nil {
			return "", err
		}
	case LevelSampledWindows:
		if err := hashSampledWindows(digest, f, size); err != nil {
			return "", err
		}
	case LevelFull:
		if _, err := io.Copy(digest, f); err != nil {
			return "", fmt.Errorf("scanner: hashing %s: %w", fullPath, err)
		}
	default:
		return "", fmt.Errorf("scanner: unknown hash level %d", level)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

func hashHead(digest hash.Hash, f *os.File, n int64) error {
	if _, err := io.CopyN(digest, f, n); err != nil && err != io.EOF {
		return fmt.Errorf("scanner: hashing head sample: %w", err)
	}

	return nil
}

// hashSampledWindows hashes up to sampledWindowCount fixed-size windows
// spread evenly across the file, in offset order, so the result is
// deterministic for a given file size.
func hashSampledWindows(digest hash.Hash, f *os.File, size int64) error {
	if size <= sampledWindowSize*sampledWindowCount {
		_, err := io.Copy(digest, f)
		if err != nil {
			return fmt.Errorf("scanner: hashing sampled windows (small file): %w", err)
		}

		return nil
	}

	stride := size / sampledWindowCount

	for i := 0; i < sampledWindowCount; i++ {
		offset := int64(i) * stride

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("scanner: seeking to window %d: %w", i, err)
		}

		if _, err := io.CopyN(digest, f, sampledWindowSize); err != nil && err != io.EOF {
			return fmt.Errorf("scanner: hashing window %d: %w", i, err)
		}
	}

	return nil
}

// computeSHA1 always computes the full-content SHA-1 used for remote
// dedup (spec §3 LocalEntry.sha1), independent of the configured hash
// level/algorithm.
func computeSHA1(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("scanner: opening %s for sha1: %w", fullPath, err)
	}
	defer f.Close()

	h := sha1.New()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("scanner: computing sha1 for %s: %w", fullPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
