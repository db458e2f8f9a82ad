package cube

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	sqlite_vec.Auto()
}

const (
	dbFileName = "cube.db"

	keywordWeight = 0.4
	vectorWeight  = 0.6
)

// SQLiteStore creates cubes backed by per-project SQLite databases
// with FTS5 keyword search and, when an embedder is configured,
// sqlite-vec semantic search.
type SQLiteStore struct {
	embedder Embedder
	logger   zerolog.Logger
}

// NewSQLiteStore returns a store. embedder may be nil, in which case
// cubes run keyword-only.
func NewSQLiteStore(embedder Embedder, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		embedder: embedder,
		logger:   logger.With().Str("component", "cube").Logger(),
	}
}

// Create opens the cube at location, initializing the schema on first
// use. Calling Create twice with the same arguments yields handles to
// the same backing database.
func (s *SQLiteStore) Create(ctx context.Context, storeID, location string) (Cube, error) {
	if err := os.MkdirAll(location, 0o755); err != nil {
		return nil, fmt.Errorf("create cube directory: %w", err)
	}

	dbPath := filepath.Join(location, dbFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("open cube database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	c := &sqliteCube{
		id:       storeID,
		location: location,
		db:       db,
		embedder: s.embedder,
		logger:   s.logger.With().Str("store_id", storeID).Logger(),
	}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cube schema: %w", err)
	}

	c.logger.Debug().Str("path", dbPath).Msg("cube opened")
	return c, nil
}

type sqliteCube struct {
	id       string
	location string
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *sqliteCube) ID() string { return c.id }

func (c *sqliteCube) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rel_path TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			extension TEXT NOT NULL,
			modified_at INTEGER NOT NULL,
			ingested_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_hash ON records(content_hash)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			rel_path UNINDEXED,
			content,
			tokenize='porter unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if c.embedder != nil {
		stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS record_embeddings USING vec0(
			rel_path TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, c.embedder.Dimensions())
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Add stores rec, replacing any prior record for the same relative
// path. Unchanged content (same hash) is skipped without a write.
func (c *sqliteCube) Add(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStoreClosed
	}

	hash := contentHash(rec.Content)

	var existing string
	err := c.db.QueryRowContext(ctx,
		`SELECT content_hash FROM records WHERE rel_path = ?`, rec.RelPath,
	).Scan(&existing)
	if err == nil && existing == hash {
		c.logger.Debug().Str("rel_path", rec.RelPath).Msg("content unchanged, skipping")
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check existing record: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE rel_path = ?`, rec.RelPath); err != nil {
		return fmt.Errorf("delete prior record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE rel_path = ?`, rec.RelPath); err != nil {
		return fmt.Errorf("delete prior fts row: %w", err)
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (rel_path, project, content, content_hash, size_bytes, extension, modified_at, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RelPath, rec.Project, rec.Content, hash, rec.Size, rec.Extension, rec.ModTime.Unix(), now,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records_fts (rel_path, content) VALUES (?, ?)`,
		rec.RelPath, rec.Content,
	); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add: %w", err)
	}

	// Embeddings ride outside the transaction: a provider failure
	// degrades to keyword-only for this record, it does not lose it.
	if c.embedder != nil {
		if err := c.embedRecord(ctx, rec); err != nil {
			c.logger.Warn().Err(err).Str("rel_path", rec.RelPath).Msg("embedding failed, record is keyword-only")
		}
	}

	c.logger.Debug().Str("rel_path", rec.RelPath).Int64("size", rec.Size).Msg("record stored")
	return nil
}

func (c *sqliteCube) embedRecord(ctx context.Context, rec Record) error {
	vec, err := c.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return err
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM record_embeddings WHERE rel_path = ?`, rec.RelPath); err != nil {
		return fmt.Errorf("delete prior embedding: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO record_embeddings (rel_path, embedding) VALUES (?, ?)`,
		rec.RelPath, blob); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Remove deletes the record for relPath. A path with no record is a
// no-op reported as zero removed.
func (c *sqliteCube) Remove(ctx context.Context, relPath string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrStoreClosed
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM records WHERE rel_path = ?`, relPath)
	if err != nil {
		return 0, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted rows: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM records_fts WHERE rel_path = ?`, relPath); err != nil {
		return int(n), fmt.Errorf("delete fts row: %w", err)
	}
	if c.embedder != nil {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM record_embeddings WHERE rel_path = ?`, relPath); err != nil {
			c.logger.Warn().Err(err).Str("rel_path", relPath).Msg("embedding cleanup failed")
		}
	}

	if n == 0 {
		c.logger.Debug().Str("rel_path", relPath).Msg("remove matched no records")
	}
	return int(n), nil
}

// Search runs keyword search over FTS5, merged with vector search
// when an embedder is configured.
func (c *sqliteCube) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrStoreClosed
	}
	c.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	keyword, err := c.keywordSearch(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	if c.embedder == nil {
		if len(keyword) > limit {
			keyword = keyword[:limit]
		}
		return keyword, nil
	}

	vector, err := c.vectorSearch(ctx, query, limit*2)
	if err != nil {
		c.logger.Warn().Err(err).Msg("vector search failed, falling back to keyword results")
		if len(keyword) > limit {
			keyword = keyword[:limit]
		}
		return keyword, nil
	}

	return mergeResults(keyword, vector, limit), nil
}

func (c *sqliteCube) keywordSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT rel_path, content, bm25(records_fts) AS rank
		 FROM records_fts
		 WHERE records_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.RelPath, &r.Content, &rank); err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		// bm25 ranks are negative, smaller is better
		score := 1.0 / (1.0 + -rank)
		r.KeywordScore = &score
		r.Score = score
		results = append(results, r)
	}
	return results, rows.Err()
}

func (c *sqliteCube) vectorSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT e.rel_path, r.content, e.distance
		 FROM record_embeddings e
		 JOIN records r ON r.rel_path = e.rel_path
		 WHERE e.embedding MATCH ? AND e.k = ?
		 ORDER BY e.distance`, blob, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.RelPath, &r.Content, &distance); err != nil {
			return nil, fmt.Errorf("scan vector result: %w", err)
		}
		score := 1.0 - distance
		r.VectorScore = &score
		r.Score = score
		results = append(results, r)
	}
	return results, rows.Err()
}

func mergeResults(keyword, vector []SearchResult, limit int) []SearchResult {
	merged := make(map[string]*SearchResult)
	for i := range keyword {
		r := keyword[i]
		merged[r.RelPath] = &r
	}
	for i := range vector {
		v := vector[i]
		if existing, ok := merged[v.RelPath]; ok {
			existing.VectorScore = v.VectorScore
		} else {
			merged[v.RelPath] = &v
		}
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		var kw, vs float64
		if r.KeywordScore != nil {
			kw = *r.KeywordScore
		}
		if r.VectorScore != nil {
			vs = *r.VectorScore
		}
		r.Score = keywordWeight*kw + vectorWeight*vs
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// buildFTSQuery quotes terms so punctuation in user queries cannot
// break FTS5 syntax.
func buildFTSQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}

func (c *sqliteCube) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (c *sqliteCube) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// Destroy closes the cube and deletes its backing directory.
func (c *sqliteCube) Destroy() error {
	if err := c.Close(); err != nil {
		return fmt.Errorf("close before destroy: %w", err)
	}
	if err := os.RemoveAll(c.location); err != nil {
		return fmt.Errorf("remove cube storage: %w", err)
	}
	c.logger.Info().Str("location", c.location).Msg("cube storage removed")
	return nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
