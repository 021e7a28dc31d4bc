package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

var ErrInvalidSession = errors.New("session id is empty")

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverUpstash  = "upstash"
)

// Store persists turns and confirmation audit entries for sessions.
type Store interface {
	contractx.TranscriptStore
	contractx.AuditSink
	AuditLog(ctx context.Context, sessionID string) ([]contractx.AuditEntry, error)
	Close() error
}

type Config struct {
	Driver  string        `envconfig:"DRIVER" default:"memory"`
	DSN     string        `envconfig:"DSN"`
	URL     string        `envconfig:"URL"`
	Token   string        `envconfig:"TOKEN"`
	TTL     time.Duration `envconfig:"TTL" default:"24h"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// Open builds the store selected by cfg.Driver. SQLite databases are
// migrated on open; postgres expects the migrate command to have run.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		return OpenPostgres(cfg.DSN)
	case DriverSQLite:
		store, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.CreateTables(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case DriverUpstash:
		return NewRedisStore(RedisConfig{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout}, WithTTL(cfg.TTL))
	default:
		return nil, fmt.Errorf("unknown transcript driver %q", cfg.Driver)
	}
}

func validSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", contractx.ErrStoreUnavailable, op, err)
}
