/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemStorage reads sources from the local filesystem.
type FilesystemStorage struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based backend. When rootDir is set, every
// reference must resolve inside it.
func NewFilesystemStorage(rootDir string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		logger:  logger,
	}
}

// Fetch opens a file:// URL or a plain path. Relative paths are joined with the root.
func (fs *FilesystemStorage) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	fullPath, err := fs.resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	fs.logger.Debug().Str("path", fullPath).Msg("filesystem storage: file opened")
	return f, nil
}

func (fs *FilesystemStorage) resolve(ref string) (string, error) {
	p := ref
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parse file url: %w", err)
		}
		p = u.Path
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}

	if fs.rootDir == "" {
		return filepath.Clean(p), nil
	}

	root, err := filepath.Abs(fs.rootDir)
	if err != nil {
		return "", fmt.Errorf("resolve media root: %w", err)
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes media root", ref)
	}
	return full, nil
}

// CheckAccess verifies the storage directory exists and is accessible.
func (fs *FilesystemStorage) CheckAccess(ctx context.Context) error {
	if fs.rootDir == "" {
		return nil
	}
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("media root directory does not exist: %s", fs.rootDir)
		}
		return fmt.Errorf("cannot access media root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root is not a directory: %s", fs.rootDir)
	}
	return nil
}
