package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

const (
	defaultKeyPrefix     = "conv:"
	transcriptKeySuffix  = ":agent:transcript"
	auditKeySuffix       = ":agent:audit"
	defaultRedisTTL      = 24 * time.Hour
	maxResponseSizeBytes = 2 << 20
)

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithTTL sets the expiry refreshed on every append. Zero keeps keys forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) RedisOption {
	return func(s *RedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// RedisStore keeps each transcript as a Redis list in Upstash, via its REST API.
type RedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type RedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func NewRedisStore(cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &RedisStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultKeyPrefix,
		ttl:        defaultRedisTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return store, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, turn contractx.Turn) error {
	key, err := s.key(sessionID, transcriptKeySuffix)
	if err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return s.push(ctx, key, payload)
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]contractx.Turn, error) {
	key, err := s.key(sessionID, transcriptKeySuffix)
	if err != nil {
		return nil, err
	}
	items, err := s.lrange(ctx, key)
	if err != nil {
		return nil, err
	}

	turns := make([]contractx.Turn, 0, len(items))
	for i, item := range items {
		var turn contractx.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) RecordAudit(ctx context.Context, entry contractx.AuditEntry) error {
	sessionID := entry.SessionID
	if strings.TrimSpace(sessionID) == "" {
		sessionID = "unknown"
	}
	key, err := s.key(sessionID, auditKeySuffix)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.push(ctx, key, payload)
}

func (s *RedisStore) AuditLog(ctx context.Context, sessionID string) ([]contractx.AuditEntry, error) {
	key, err := s.key(sessionID, auditKeySuffix)
	if err != nil {
		return nil, err
	}
	items, err := s.lrange(ctx, key)
	if err != nil {
		return nil, err
	}
	entries := make([]contractx.AuditEntry, 0, len(items))
	for i, item := range items {
		var e contractx.AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes a session's transcript.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	key, err := s.key(sessionID, transcriptKeySuffix)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) push(ctx context.Context, key string, payload []byte) error {
	if _, err := s.exec(ctx, []any{"RPUSH", key, string(payload)}); err != nil {
		return err
	}
	if s.ttl > 0 {
		if _, err := s.exec(ctx, []any{"EXPIRE", key, ttlSeconds(s.ttl)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) lrange(ctx context.Context, key string) ([]string, error) {
	resp, err := s.exec(ctx, []any{"LRANGE", key, 0, -1})
	if err != nil {
		return nil, err
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}
	return items, nil
}

func (s *RedisStore) key(sessionID, suffix string) (string, error) {
	if err := validSession(sessionID); err != nil {
		return "", err
	}
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return prefix + strings.TrimSpace(sessionID) + suffix, nil
}

func (s *RedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(fmt.Sprint(command[0]), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, unavailable(fmt.Sprint(command[0]), fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw)))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
