package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/logging"
)

const (
	DefaultPoolMaxConns       = 10
	DefaultPoolIdleTimeout    = 30 * time.Second
	DefaultPoolConnectTimeout = 10 * time.Second
)

// ErrManagerClosed is returned by GetHandle after ShutdownAll.
var ErrManagerClosed = errors.New("connection manager is closed")

// PoolSettings holds the limits applied to every tenant pool.
type PoolSettings struct {
	MaxConns       int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	// AllowInsecure honors sslmode=disable. Local development and tests only.
	AllowInsecure bool
}

// ConnectionManager caches one connection pool per database URL for the
// lifetime of the process. Handles are only evicted by Teardown.
type ConnectionManager struct {
	mu       sync.RWMutex
	handles  map[string]*Handle // key: exact database URL
	settings PoolSettings
	closed   bool
	logger   *zap.Logger
}

// NewConnectionManager creates a connection manager. Zero-valued settings fall
// back to the package defaults.
func NewConnectionManager(settings PoolSettings, logger *zap.Logger) *ConnectionManager {
	if settings.MaxConns <= 0 {
		settings.MaxConns = DefaultPoolMaxConns
	}
	if settings.IdleTimeout <= 0 {
		settings.IdleTimeout = DefaultPoolIdleTimeout
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = DefaultPoolConnectTimeout
	}

	return &ConnectionManager{
		handles:  make(map[string]*Handle),
		settings: settings,
		logger:   logger.Named("connection_manager"),
	}
}

// GetHandle returns the handle for databaseURL, creating its pool on first use.
// Pool construction does not dial; reachability is checked by a background
// ping whose failure is only logged.
func (m *ConnectionManager) GetHandle(ctx context.Context, databaseURL string) (*Handle, error) {
	// Fast path
	m.mu.RLock()
	h, ok := m.handles[databaseURL]
	closed := m.closed
	m.mu.RUnlock()

	if ok {
		return h, nil
	}
	if closed {
		return nil, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock (another goroutine may have created it)
	if h, ok := m.handles[databaseURL]; ok {
		return h, nil
	}
	if m.closed {
		return nil, ErrManagerClosed
	}

	connString, err := ApplyTLSPolicy(databaseURL, m.settings.AllowInsecure)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		m.logger.Error("failed to parse connection string",
			zap.String("url", logging.SanitizeConnectionString(databaseURL)),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to parse connection string: %s", logging.SanitizeError(err))
	}
	poolConfig.MaxConns = m.settings.MaxConns
	poolConfig.MaxConnIdleTime = m.settings.IdleTimeout
	poolConfig.ConnConfig.ConnectTimeout = m.settings.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %s", logging.SanitizeError(err))
	}

	h = &Handle{url: databaseURL, pool: pool}
	m.handles[databaseURL] = h

	m.logger.Debug("created tenant pool",
		zap.String("url", logging.SanitizeConnectionString(databaseURL)),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)

	go m.probe(h)

	return h, nil
}

// probe pings a freshly created pool so unreachable databases show up in the
// logs early. It never affects the handle.
func (m *ConnectionManager) probe(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.settings.ConnectTimeout)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		m.logger.Warn("tenant pool not reachable",
			zap.String("url", logging.SanitizeConnectionString(h.url)),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

// Teardown removes the handle for databaseURL and closes its pool.
// Calling it for an unknown URL is a no-op.
func (m *ConnectionManager) Teardown(databaseURL string) {
	m.mu.Lock()
	h, ok := m.handles[databaseURL]
	delete(m.handles, databaseURL)
	m.mu.Unlock()

	if !ok {
		return
	}
	h.pool.Close()
	m.logger.Info("closed tenant pool",
		zap.String("url", logging.SanitizeConnectionString(databaseURL)))
}

// ShutdownAll closes every cached pool. GetHandle fails afterwards.
func (m *ConnectionManager) ShutdownAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.closed = true
	m.mu.Unlock()

	for _, h := range handles {
		h.pool.Close()
	}
	m.logger.Info("closed all tenant pools", zap.Int("count", len(handles)))
}

// PoolStats describes one cached pool.
type PoolStats struct {
	Database        string
	TotalConns      int32
	IdleConns       int32
	AcquiredConns   int32
	MaxConns        int32
	AcquireCount    int64
	EmptyAcquireCnt int64
}

// Stats is a snapshot of the manager's cache.
type Stats struct {
	Handles int
	Pools   []PoolStats
}

// Stats returns the number of cached handles and per-pool statistics, sorted
// by database name.
func (m *ConnectionManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Handles: len(m.handles), Pools: make([]PoolStats, 0, len(m.handles))}
	for _, h := range m.handles {
		s := h.pool.Stat()
		stats.Pools = append(stats.Pools, PoolStats{
			Database:        h.Database(),
			TotalConns:      s.TotalConns(),
			IdleConns:       s.IdleConns(),
			AcquiredConns:   s.AcquiredConns(),
			MaxConns:        s.MaxConns(),
			AcquireCount:    s.AcquireCount(),
			EmptyAcquireCnt: s.EmptyAcquireCount(),
		})
	}
	sort.Slice(stats.Pools, func(i, j int) bool {
		return stats.Pools[i].Database < stats.Pools[j].Database
	})
	return stats
}

// ApplyTLSPolicy rewrites the sslmode of a URL-form connection string.
// verify-full is kept, disable is kept only when allowInsecure is set, and
// every other value (including none) becomes require.
func ApplyTLSPolicy(databaseURL string, allowInsecure bool) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", fmt.Errorf("invalid database URL %q", logging.SanitizeConnectionString(databaseURL))
	}

	q := u.Query()
	switch mode := q.Get("sslmode"); {
	case mode == "verify-full":
	case mode == "disable" && allowInsecure:
	default:
		q.Set("sslmode", "require")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
