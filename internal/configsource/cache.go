package configsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// LocalCache mirrors the last successfully loaded point set into a local
// SQLite file so the service can start from a cached snapshot if the
// primary config source (Postgres) is briefly unreachable at boot. This is
// point-definition caching, not sample persistence.
type LocalCache struct {
	db *sql.DB
}

// NewLocalCache opens (creating if needed) the SQLite cache at path.
func NewLocalCache(path string) (*LocalCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("configsource: open cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS point_cache (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		payload TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configsource: init cache schema: %w", err)
	}
	return &LocalCache{db: db}, nil
}

// Store persists points as the new cached snapshot, replacing any prior one.
func (c *LocalCache) Store(ctx context.Context, points []domain.Point) error {
	payload, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("configsource: marshal cache payload: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO point_cache (id, payload) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, string(payload))
	return err
}

// Load returns the last cached point set, or (nil, false) if none exists.
func (c *LocalCache) Load(ctx context.Context) ([]domain.Point, bool, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM point_cache WHERE id = 0`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("configsource: read cache: %w", err)
	}

	var points []domain.Point
	if err := json.Unmarshal([]byte(payload), &points); err != nil {
		return nil, false, fmt.Errorf("configsource: unmarshal cache payload: %w", err)
	}
	return points, true, nil
}

func (c *LocalCache) Close() error { return c.db.Close() }

// CachedSource wraps a primary Source with a LocalCache fallback: a primary
// load failure returns the last cached snapshot instead of propagating the
// error, and every successful primary load refreshes the cache.
type CachedSource struct {
	primary Source
	cache   *LocalCache
}

// Source mirrors acquisition.Source without importing that package, so
// configsource has no dependency on the orchestration layer.
type Source interface {
	LoadPoints(ctx context.Context) ([]domain.Point, error)
}

// NewCachedSource builds a CachedSource.
func NewCachedSource(primary Source, cache *LocalCache) *CachedSource {
	return &CachedSource{primary: primary, cache: cache}
}

func (c *CachedSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	points, err := c.primary.LoadPoints(ctx)
	if err != nil {
		cached, ok, cacheErr := c.cache.Load(ctx)
		if cacheErr != nil || !ok {
			return nil, fmt.Errorf("configsource: primary load failed (%v) and no cache available", err)
		}
		return cached, nil
	}
	if storeErr := c.cache.Store(ctx, points); storeErr != nil {
		return points, nil
	}
	return points, nil
}
