package runlock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultKeyPrefix prefixes every lock hash.
const DefaultKeyPrefix = "handovermail:lock:"

// ValkeyConfig configures the valkey lock store.
type ValkeyConfig struct {
	// URL is the server address, for example "valkey.namespace.svc:6379".
	URL      string
	Password string
	DB       int

	TLSEnabled bool
	// TLSCAFile is a PEM bundle for servers signed by a private CA.
	TLSCAFile string

	KeyPrefix string
}

// Acquire returns {1} on success. A running lock is left untouched and
// reported as {0, owner, message, started_at, updated_at} when another owner
// holds it, or with code 2 when ARGV[1] does.
var acquireScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[1], 'running') == '1' then
  local owner = redis.call('HGET', KEYS[1], 'owner') or ''
  local code = 0
  if owner == ARGV[1] then code = 2 end
  return {code, owner, redis.call('HGET', KEYS[1], 'message') or '',
    redis.call('HGET', KEYS[1], 'started_at') or '', redis.call('HGET', KEYS[1], 'updated_at') or ''}
end
redis.call('HSET', KEYS[1], 'target', ARGV[4], 'running', '1', 'owner', ARGV[1],
  'message', ARGV[2], 'started_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'finished_at')
return {1}
`)

var updateScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[1], 'running') ~= '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'message', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

var releaseScript = valkey.NewLuaScript(`
redis.call('HSET', KEYS[1], 'target', ARGV[3], 'running', '0', 'owner', '',
  'message', ARGV[1], 'finished_at', ARGV[2], 'updated_at', ARGV[2])
return 1
`)

// ValkeyStore keeps one hash per target and mutates it with Lua scripts so
// every check-and-set runs atomically on the server.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// OpenValkey connects to the server described by cfg.
func OpenValkey(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("runlock: valkey url is required")
	}
	opt := valkey.ClientOption{
		InitAddress:  []string{cfg.URL},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	}
	if cfg.TLSEnabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSCAFile != "" {
			pem, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("runlock: read valkey CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("runlock: no certificates in %s", cfg.TLSCAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opt.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("runlock: connect valkey: %w", err)
	}
	return NewValkeyStore(client, cfg.KeyPrefix), nil
}

// NewValkeyStore wraps an existing client.
func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

func (s *ValkeyStore) key(target string) string {
	return s.prefix + target
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *ValkeyStore) Acquire(ctx context.Context, target, owner, message string, now time.Time) (State, Acquisition, error) {
	res, err := acquireScript.Exec(ctx, s.client,
		[]string{s.key(target)},
		[]string{owner, message, formatTime(now), target},
	).ToArray()
	if err != nil {
		return State{}, Busy, fmt.Errorf("runlock: acquire %s: %w", target, err)
	}
	if len(res) == 0 {
		return State{}, Busy, fmt.Errorf("runlock: acquire %s: empty reply", target)
	}
	code, err := res[0].AsInt64()
	if err != nil {
		return State{}, Busy, fmt.Errorf("runlock: acquire %s: %w", target, err)
	}
	if code == 1 {
		return State{
			Target:    target,
			Running:   true,
			Owner:     owner,
			Message:   message,
			StartedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}, Acquired, nil
	}

	held := State{Target: target, Running: true}
	if len(res) >= 5 {
		held.Owner, _ = res[1].ToString()
		held.Message, _ = res[2].ToString()
		started, _ := res[3].ToString()
		updated, _ := res[4].ToString()
		held.StartedAt, held.UpdatedAt = parseTime(started), parseTime(updated)
	}
	if code == 2 {
		return held, Reentered, nil
	}
	return held, Busy, nil
}

func (s *ValkeyStore) Update(ctx context.Context, target, message string, now time.Time) (bool, error) {
	n, err := updateScript.Exec(ctx, s.client,
		[]string{s.key(target)},
		[]string{message, formatTime(now)},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("runlock: update %s: %w", target, err)
	}
	return n == 1, nil
}

func (s *ValkeyStore) Release(ctx context.Context, target, message string, now time.Time) error {
	err := releaseScript.Exec(ctx, s.client,
		[]string{s.key(target)},
		[]string{message, formatTime(now), target},
	).Error()
	if err != nil {
		return fmt.Errorf("runlock: release %s: %w", target, err)
	}
	return nil
}

func (s *ValkeyStore) Get(ctx context.Context, target string) (State, bool, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(target)).Build()).AsStrMap()
	if err != nil {
		return State{}, false, fmt.Errorf("runlock: get %s: %w", target, err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}
	return State{
		Target:     target,
		Running:    fields["running"] == "1",
		Owner:      fields["owner"],
		Message:    fields["message"],
		StartedAt:  parseTime(fields["started_at"]),
		FinishedAt: parseTime(fields["finished_at"]),
		UpdatedAt:  parseTime(fields["updated_at"]),
	}, true, nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
