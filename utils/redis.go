package utils

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBackendUnavailable means no lock backend was ever initialized.
// This is the only condition under which the lock manager degrades to
// single-instance mode; a command failure on a live backend is a normal
// error.
var ErrLockBackendUnavailable = errors.New("lock backend not initialized")

var (
	redisClient *redis.Client
	redisMu     sync.Mutex
)

// InitRedis connects to Redis and stores the shared client.
// A failure here is not fatal: the lock manager degrades to
// single-instance mode when no client is available.
func InitRedis(redisURL string) error {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisMu.Lock()
	redisClient = client
	redisMu.Unlock()

	log.Println("✅ Successfully connected to Redis.")
	return nil
}

// GetRedisClient returns the current Redis client, safely. May be nil.
func GetRedisClient() *redis.Client {
	redisMu.Lock()
	defer redisMu.Unlock()
	return redisClient
}

// CloseRedis closes the shared client.
func CloseRedis() {
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("[REDIS] Error closing client: %v", err)
		}
		redisClient = nil
	}
}

// LockBackend is the key-value surface the lock manager needs.
type LockBackend interface {
	// SetIfAbsent sets key=value with ttl only if key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfHeld deletes key only if its value equals token.
	DeleteIfHeld(ctx context.Context, key, token string) error
}

// releaseScript deletes the lock key only if it still holds our token,
// so a scheduler that overran its TTL cannot release a competitor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type redisLockBackend struct{}

func (redisLockBackend) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	client := GetRedisClient()
	if client == nil {
		return false, ErrLockBackendUnavailable
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return client.SetNX(timeoutCtx, key, value, ttl).Result()
}

func (redisLockBackend) DeleteIfHeld(ctx context.Context, key, token string) error {
	client := GetRedisClient()
	if client == nil {
		return ErrLockBackendUnavailable
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return releaseScript.Run(timeoutCtx, client, []string{key}, token).Err()
}

const degradedToken = "degraded-local"

// LockManager is a TTL-based distributed lock on Redis SET NX EX.
// Acquire returns a fresh token on success and "" on contention; Release
// is compare-and-delete on that token. Only when no backend was ever
// initialized does the lock degrade to single-instance mode: Acquire
// hands out a synthetic token with a warning and Release becomes a
// no-op. A command failure on a live backend is returned to the caller,
// which treats it like contention and skips the candidate.
type LockManager struct {
	backend LockBackend
}

func NewLockManager() *LockManager {
	return &LockManager{backend: redisLockBackend{}}
}

// NewLockManagerWithBackend wires a custom backend (used in tests).
func NewLockManagerWithBackend(b LockBackend) *LockManager {
	return &LockManager{backend: b}
}

// Acquire attempts to take the named lock for ttl.
// Returns the holder token, or "" if another holder has it.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := l.backend.SetIfAbsent(ctx, key, token, ttl)
	if errors.Is(err, ErrLockBackendUnavailable) {
		log.Printf("[LOCK] ⚠️ No lock backend for %s. Proceeding without distributed lock (single-instance assumption)", key)
		return degradedToken, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release drops the lock if it still belongs to token. Releasing a lock
// that expired and was re-acquired elsewhere is a safe no-op.
func (l *LockManager) Release(ctx context.Context, key, token string) error {
	if token == "" || token == degradedToken {
		return nil
	}

	err := l.backend.DeleteIfHeld(ctx, key, token)
	if errors.Is(err, ErrLockBackendUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
