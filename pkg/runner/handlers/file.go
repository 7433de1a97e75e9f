package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// DefaultMaxRead bounds file reads without an explicit limit.
const DefaultMaxRead = 10 * 1024 * 1024

// FileWriteHandler writes files.
type FileWriteHandler struct{}

// Handle writes content to a file, creating parent directories.
func (h *FileWriteHandler) Handle(ctx context.Context, params *protocol.FileWriteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	mode := os.FileMode(0644)
	if params.Mode != "" {
		m, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(m)
	}

	_, err := os.Stat(params.Path)
	existed := err == nil

	if err := os.MkdirAll(filepath.Dir(params.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	content := []byte(params.Content)
	if err := os.WriteFile(params.Path, content, mode); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if params.Mode != "" {
		if err := os.Chmod(params.Path, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	return &protocol.FileWriteResult{
		BytesWritten: int64(len(content)),
		Created:      !existed,
		Checksum:     fmt.Sprintf("%x", sha256.Sum256(content)),
	}, nil
}

// FileReadHandler reads files.
type FileReadHandler struct{}

// Handle reads up to MaxBytes of a file.
func (h *FileReadHandler) Handle(ctx context.Context, params *protocol.FileReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRead
	}
	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return &protocol.FileReadResult{
		Content:   string(content),
		Size:      info.Size(),
		Mode:      fmt.Sprintf("%04o", info.Mode().Perm()),
		Checksum:  fmt.Sprintf("%x", sha256.Sum256(content)),
		Truncated: info.Size() > int64(len(content)),
	}, nil
}
