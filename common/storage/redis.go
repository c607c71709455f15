package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chainworks/cascade/common/models"
	redisw "github.com/chainworks/cascade/common/redis"
)

// RedisFileStore keeps program manifests and file contents in Redis.
// No caching: program files change between runs and must be read fresh.
type RedisFileStore struct {
	redis  *redisw.Client
	logger Logger
}

// NewRedisFileStore creates a Redis-backed file store
func NewRedisFileStore(client *redisw.Client, logger Logger) *RedisFileStore {
	return &RedisFileStore{redis: client, logger: logger}
}

// ListProgramFiles implements FileStore
func (s *RedisFileStore) ListProgramFiles(ctx context.Context, programID, versionID string) ([]ProgramFile, error) {
	key := ManifestKey(programID, versionID)

	raw, err := s.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, models.NewError(models.ErrNotFound,
				"program %s (version %s) has no stored files", programID, orLatest(versionID))
		}
		return nil, fmt.Errorf("failed to read program manifest: %w", err)
	}

	var files []ProgramFile
	if err := json.Unmarshal([]byte(raw), &files); err != nil {
		return nil, fmt.Errorf("failed to decode program manifest %s: %w", key, err)
	}

	s.logger.Debug("program manifest loaded", "program_id", programID, "files", len(files))
	return files, nil
}

// GetFileContent implements FileStore
func (s *RedisFileStore) GetFileContent(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.redis.Get(ctx, ContentKey(key))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, models.NewError(models.ErrNotFound, "file content %s not found", key)
		}
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	return []byte(raw), nil
}

// GetFileContents implements BatchFetcher with one pipelined round trip
func (s *RedisFileStore) GetFileContents(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = ContentKey(k)
	}

	values, err := s.redis.GetMultiple(ctx, storeKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to batch read file contents: %w", err)
	}

	out := make(map[string][]byte, len(keys))
	for i, k := range keys {
		value, ok := values[storeKeys[i]]
		if !ok {
			return nil, models.NewError(models.ErrNotFound, "file content %s not found", k)
		}
		out[k] = []byte(value)
	}
	return out, nil
}

// PutProgram stores a program version: contents under digest keys, then the
// manifest. Content keys are sha256 digests so identical files share storage.
func (s *RedisFileStore) PutProgram(ctx context.Context, programID, versionID string, files map[string][]byte) error {
	manifest := make([]ProgramFile, 0, len(files))

	for path, content := range files {
		digest := fmt.Sprintf("sha256:%x", sha256.Sum256(content))
		if err := s.redis.SetWithExpiry(ctx, ContentKey(digest), string(content), 0); err != nil {
			return fmt.Errorf("failed to store file %s: %w", path, err)
		}
		manifest = append(manifest, ProgramFile{Path: path, Key: digest, Size: len(content)})
	}

	encoded, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.redis.SetWithExpiry(ctx, ManifestKey(programID, versionID), string(encoded), 0); err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}

	s.logger.Info("program stored", "program_id", programID, "version", orLatest(versionID), "files", len(files))
	return nil
}

func orLatest(versionID string) string {
	if versionID == "" {
		return DefaultVersion
	}
	return versionID
}
