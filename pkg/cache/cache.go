package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// Entry is a cached tool result.
type Entry struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	SourceType string    `json:"source_type"`
}

// SessionRecord is the persisted summary of a finished research session.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	Goal         string    `json:"goal"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Status       string    `json:"status"`
	FinalReport  string    `json:"final_report"`
	Iterations   int       `json:"iterations"`
	QualityScore float64   `json:"quality_score"`
	Reason       string    `json:"reason,omitempty"`
}

// Store is the durable key/value store shared by all sessions.
//
// Get returns (nil, nil) on a miss and fails with CACHE_UNAVAILABLE only when
// the backend cannot be reached. Put fails with CACHE_WRITE_FAILED. Keys are
// normalized by the store, so callers may pass raw queries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry Entry) error

	// SaveSession inserts a session record. Records are append-only: saving
	// the same session id twice fails.
	SaveSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// ListSessions returns the most recent records first.
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	Close() error
}

// NormalizeKey folds case and collapses whitespace so that semantically
// identical queries map to the same key.
func NormalizeKey(key string) string {
	key = norm.NFKC.String(key)
	key = cases.Fold().String(key)
	return strings.Join(strings.Fields(key), " ")
}

// Fresh reports whether entry is younger than window. A non-positive window
// disables freshness entirely.
func Fresh(entry *Entry, window time.Duration, now time.Time) bool {
	if entry == nil || window <= 0 {
		return false
	}
	return now.Sub(entry.Timestamp) < window
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver string
	// DSN is a file path for sqlite, a connection string for postgres and a
	// redis:// URL for redis. Ignored by the memory driver.
	DSN string
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
}

// Open creates the Store described by opts. Any failure to reach the backend
// is reported as CACHE_UNAVAILABLE.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return OpenSQLite(opts.DSN)
	case DriverPostgres:
		return OpenPostgres(opts.DSN)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		return NewRedisStore(ctx, opts.DSN, opts.KeyPrefix)
	default:
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, fmt.Sprintf("unsupported cache driver %q", opts.Driver), nil)
	}
}

type unavailableStore struct {
	cause error
}

// Unavailable returns a Store that fails every call with CACHE_UNAVAILABLE.
// It lets the system keep running uncached when the real backend cannot be opened.
func Unavailable(cause error) Store {
	return &unavailableStore{cause: cause}
}

func (s *unavailableStore) err() error {
	return apperrors.New(apperrors.ErrCodeCacheUnavailable, "cache store is unavailable", s.cause)
}

func (s *unavailableStore) Get(context.Context, string) (*Entry, error) { return nil, s.err() }

func (s *unavailableStore) Put(context.Context, string, Entry) error { return s.err() }

func (s *unavailableStore) SaveSession(context.Context, SessionRecord) error { return s.err() }

func (s *unavailableStore) GetSession(context.Context, string) (*SessionRecord, error) {
	return nil, s.err()
}

func (s *unavailableStore) ListSessions(context.Context, int) ([]SessionRecord, error) {
	return nil, s.err()
}

func (s *unavailableStore) Close() error { return nil }
