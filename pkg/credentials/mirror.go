package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// keysFile is the on-disk layout of the credential list.
type keysFile struct {
	Keys []string `json:"keys"`
}

// FileMirror stores the credential list as {"keys": [...]} in a JSON file.
type FileMirror struct {
	Path string
}

// Load reads the key list. A missing file yields an empty list.
func (m FileMirror) Load(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Path, err)
	}

	var f keysFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.Path, err)
	}
	return f.Keys, nil
}

// Save replaces the file atomically.
func (m FileMirror) Save(_ context.Context, keys []string) error {
	data, err := json.MarshalIndent(keysFile{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}

	dir := filepath.Dir(m.Path)
	tmp, err := os.CreateTemp(dir, ".keys-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.Path); err != nil {
		return fmt.Errorf("replace %s: %w", m.Path, err)
	}
	return nil
}

// RedisKeyCredentials is the list key used by RedisMirror.
const RedisKeyCredentials = "harvest:credentials"

// RedisMirror stores the credential list in a Redis list so several
// harvester processes can share one administered set.
type RedisMirror struct {
	Client *redis.Client
	Key    string
}

// NewRedisMirror creates a mirror on the default key.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{Client: client, Key: RedisKeyCredentials}
}

// Load reads the key list.
func (m *RedisMirror) Load(ctx context.Context) ([]string, error) {
	keys, err := m.Client.LRange(ctx, m.Key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load credentials from redis: %w", err)
	}
	return keys, nil
}

// Save replaces the list in one transaction.
func (m *RedisMirror) Save(ctx context.Context, keys []string) error {
	_, err := m.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.Key)
		if len(keys) > 0 {
			vals := make([]interface{}, len(keys))
			for i, k := range keys {
				vals[i] = k
			}
			pipe.RPush(ctx, m.Key, vals...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save credentials to redis: %w", err)
	}
	return nil
}
