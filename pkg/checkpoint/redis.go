package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address" json:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password" json:"-"`

	Database int `yaml:"database" json:"database"`

	// Prefix is prepended to all keys (e.g., "eventflow:")
	Prefix string `yaml:"prefix" json:"prefix"`

	// TTL expires completed checkpoints (0 = keep forever). Unfinished ones
	// never expire.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisConfig returns the defaults for a server address.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "eventflow:",
		TTL:      7 * 24 * time.Hour,
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisBackend stores checkpoints in Redis so that the runs of several
// machines report into one place.
//
// Key layout below the prefix:
//
//	cp:<id>        hash: the JSON checkpoint plus its phase, pass, run and entry
//	incomplete     sorted set of unfinished checkpoint IDs scored by start time
//	input:<path>   set of checkpoint IDs reading the input store
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects to Redis and pings it.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	b := NewRedisBackendWithClient(client, cfg)
	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	return b, nil
}

// NewRedisBackendWithClient uses an existing client. Unset prefix and
// timeout take their defaults.
func NewRedisBackendWithClient(client *redis.Client, cfg RedisConfig) *RedisBackend {
	def := DefaultRedisConfig(cfg.Address)
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &RedisBackend{cfg: cfg, client: client}
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + "cp:" + id
}

func (b *RedisBackend) incompleteKey() string {
	return b.cfg.Prefix + "incomplete"
}

func (b *RedisBackend) inputKey(path string) string {
	return b.cfg.Prefix + "input:" + strings.NewReplacer(" ", "_", ":", "_").Replace(path)
}

// Save writes the checkpoint hash and keeps the incomplete set and the
// input index in step, in one transaction.
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	open := cp.Incomplete()
	key := b.key(cp.ID)

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"data", data,
			"phase", string(cp.Phase),
			"pass", cp.Pass,
			"run", cp.Run,
			"entry", cp.Entry,
		)
		if open {
			pipe.ZAdd(ctx, b.incompleteKey(), redis.Z{Score: float64(cp.StartedAt.Unix()), Member: cp.ID})
			pipe.Persist(ctx, key)
		} else {
			pipe.ZRem(ctx, b.incompleteKey(), cp.ID)
			if b.cfg.TTL > 0 {
				pipe.Expire(ctx, key, b.cfg.TTL)
			}
		}
		for _, in := range cp.Inputs {
			pipe.SAdd(ctx, b.inputKey(in), cp.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s to Redis: %w", cp.ID, err)
	}
	return nil
}

// Load retrieves a checkpoint. Missing checkpoints give os.ErrNotExist.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.HGet(ctx, b.key(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to load checkpoint %s from Redis: %w", id, err)
	}
	cp, err := unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// Delete removes a checkpoint and its index entries.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	cp, err := b.Load(ctx, id)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key(id))
		pipe.ZRem(ctx, b.incompleteKey(), id)
		if cp != nil {
			for _, in := range cp.Inputs {
				pipe.SRem(ctx, b.inputKey(in), id)
			}
		}
		return nil
	})
	return err
}

// List scans for checkpoints whose ID starts with prefix.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	var ids []string
	base := b.key("")
	iter := b.client.Scan(ctx, 0, base+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	return b.loadAll(ctx, ids)
}

// ListIncomplete returns the unfinished checkpoints oldest first. Members
// whose checkpoint vanished are pruned.
func (b *RedisBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := b.client.ZRange(ctx, b.incompleteKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete checkpoints: %w", err)
	}
	var out []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if errors.Is(err, os.ErrNotExist) {
			b.client.ZRem(ctx, b.incompleteKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// FindByInput returns the most recent unfinished checkpoint reading path.
func (b *RedisBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	ids, err := b.client.SMembers(ctx, b.inputKey(inputPath)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up input %s: %w", inputPath, err)
	}
	all, err := b.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	return findByInput(all, inputPath)
}

func (b *RedisBackend) loadAll(ctx context.Context, ids []string) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortByStart(out)
	return out, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Ping checks the connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

// Close closes the connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
