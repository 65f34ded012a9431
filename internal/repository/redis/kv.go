// Package redis implements KVRepository on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/draft-keeper/internal/errs"
)

const scanCount = 100

// KV stores values as plain Redis strings.
type KV struct {
	rdb redis.Cmdable
}

// New wraps a client. Both *redis.Client and the redismock client satisfy Cmdable.
func New(rdb redis.Cmdable) *KV { return &KV{rdb: rdb} }

// Get implements repository.KVRepository.
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrNotFound
	}
	return b, err
}

// Set implements repository.KVRepository.
func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		if isOOM(err) {
			return fmt.Errorf("%w: %v", errs.ErrQuotaExceeded, err)
		}
		return err
	}
	return nil
}

// Delete implements repository.KVRepository.
func (s *KV) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Keys implements repository.KVRepository using SCAN so large keyspaces are not blocked.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func isOOM(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
