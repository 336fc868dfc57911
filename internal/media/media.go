// Package media holds the core data model for the ingestion pipeline:
// the coarse media kind assigned by classification, the immutable
// source file identity, the normalized metadata record, and the
// derivative artifacts produced from a source.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type Kind int

const (
	Unknown Kind = iota
	Image
	Video
	Document
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	case Document:
		return "document"
	default:
		return "unknown"
	}
}

// SourceFile is the original file a job was created for. The content
// hash is computed exactly once (before any derivative generation)
// and is the files deduplication identity; the struct is never
// mutated after construction.
type SourceFile struct {
	Path string
	Size int64
	Hash string
	Kind Kind
}

// NewSourceFile stats and hashes the file at the given path. The
// hash is a hex encoded SHA-256 digest of the file contents.
func NewSourceFile(path string, kind Kind) (*SourceFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("source path '%s' is a directory", path)
	}

	hash, err := HashFile(path)
	if err != nil {
		return nil, err
	}

	return &SourceFile{
		Path: path,
		Size: info.Size(),
		Hash: hash,
		Kind: kind,
	}, nil
}

// Verify re-hashes the file on disk and reports whether the contents
// still match the hash computed at submission. Used when re-entering
// a failed stage to detect mid-pipeline mutation of the source.
func (source *SourceFile) Verify() (bool, error) {
	hash, err := HashFile(source.Path)
	if err != nil {
		return false, err
	}

	return hash == source.Hash, nil
}

func (source *SourceFile) String() string {
	return fmt.Sprintf("SourceFile{path=%s kind=%s hash=%.12s}", source.Path, source.Kind, source.Hash)
}

// HashFile computes the hex encoded SHA-256 digest of the file at
// the path provided, streaming the contents to bound peak memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file contents: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
