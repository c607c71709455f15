// Package storage resolves program references to file trees. The engine only
// ever needs two operations: list a program version's files and fetch one
// file's content. Backends: Redis (default) and an HTTP file service.
package storage

import (
	"context"
	"fmt"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ProgramFile is one entry in a program version's manifest
type ProgramFile struct {
	// Path relative to the project root, e.g. "src/main.py"
	Path string `json:"path"`
	// Key addresses the content in the backing store
	Key string `json:"key"`
	// Size in bytes, informational
	Size int `json:"size,omitempty"`
}

// FileStore lists and fetches program files
type FileStore interface {
	// ListProgramFiles returns the manifest for a program version.
	// An empty versionID resolves to "latest".
	ListProgramFiles(ctx context.Context, programID, versionID string) ([]ProgramFile, error)

	// GetFileContent fetches one file's raw content by manifest key
	GetFileContent(ctx context.Context, key string) ([]byte, error)
}

// BatchFetcher is an optional FileStore upgrade for fetching many contents
// in one round trip. Callers type-assert and fall back to per-file gets.
type BatchFetcher interface {
	GetFileContents(ctx context.Context, keys []string) (map[string][]byte, error)
}

// DefaultVersion is the manifest version used when none is given
const DefaultVersion = "latest"

// ManifestKey builds the Redis key holding a program version's manifest
func ManifestKey(programID, versionID string) string {
	if versionID == "" {
		versionID = DefaultVersion
	}
	return fmt.Sprintf("program:%s:%s:manifest", programID, versionID)
}

// ContentKey builds the Redis key holding one file's content
func ContentKey(key string) string {
	return "filestore:" + key
}
