// Package store implements walletwatch's persistence layer: the
// high-water-mark file, the embedded sqlite token/selector caches, and
// the shared relational store (spec §6 "Persisted state").
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/walletwatch/walletwatch/internal/errs"
)

// HighWaterMarkFile persists C5's recovery checkpoint as a single
// ASCII integer (spec §6), written via write-temp-then-rename for
// atomicity, following the teacher's state_storage pattern of never
// leaving a torn file behind a crash.
type HighWaterMarkFile struct {
	path string
}

// NewHighWaterMarkFile builds a file-backed store at path.
func NewHighWaterMarkFile(path string) *HighWaterMarkFile {
	return &HighWaterMarkFile{path: path}
}

// Load reads the persisted mark, returning ok=false if the file does
// not yet exist.
func (f *HighWaterMarkFile) Load() (uint64, bool, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.New(errs.CodePersistence, "read high-water mark file", errs.Retryable, err)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, errs.NewTerminal(errs.CodePersistence, "parse high-water mark file", err)
	}
	return value, true, nil
}

// Save atomically overwrites the persisted mark.
func (f *HighWaterMarkFile) Save(value uint64) error {
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errs.New(errs.CodePersistence, "create high-water mark directory", errs.Retryable, err)
	}
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", value)), 0o644); err != nil {
		return errs.New(errs.CodePersistence, "write high-water mark temp file", errs.Retryable, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errs.New(errs.CodePersistence, "rename high-water mark file", errs.Retryable, err)
	}
	return nil
}
