package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const dimensionKey = "dimension"

// SQLiteStore is a Store backed by a single SQLite file.
// Vectors are stored as BLOBs and scored in process, which is fine for the
// few thousand records a single device accumulates.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	// writeMu serializes writers; readers go straight to the pool.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the store at dbPath.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	store := newStore(db, logger)
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func newStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

// initTables creates the schema. Every statement is idempotent so an existing
// file is reused as is.
func (s *SQLiteStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			original_context TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			relevance_score REAL NOT NULL DEFAULT 0,
			extracted_at_ms INTEGER NOT NULL,
			source_message_ids TEXT NOT NULL DEFAULT '[]',
			category TEXT NOT NULL DEFAULT 'other'
		)`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner_id ON memories(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_extracted_at ON memories(extracted_at_ms)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return storeErr("init", err)
		}
	}
	return nil
}

// Put stores a single record.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	return s.PutMany(ctx, []*Record{rec})
}

// PutMany stores recs in one transaction. A dimension mismatch anywhere in the
// batch, or any insert failure, leaves the store untouched.
func (s *SQLiteStore) PutMany(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	dim := len(recs[0].Embedding)
	for _, rec := range recs {
		if len(rec.Embedding) == 0 {
			return storeErr("put", fmt.Errorf("%w: %s", ErrEmptyEmbedding, rec.ID))
		}
		if len(rec.Embedding) != dim {
			return storeErr("put", fmt.Errorf("%w: batch mixes %d and %d", ErrDimensionMismatch, dim, len(rec.Embedding)))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("put", fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	stored, err := readDimension(ctx, tx)
	if err != nil {
		return storeErr("put", err)
	}
	switch {
	case stored == 0:
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO store_meta (key, value) VALUES (?, ?)", dimensionKey, strconv.Itoa(dim),
		); err != nil {
			return storeErr("put", fmt.Errorf("record dimension: %w", err))
		}
	case stored != dim:
		return storeErr("put", fmt.Errorf("%w: store holds %d, got %d", ErrDimensionMismatch, stored, dim))
	}

	for _, rec := range recs {
		sources, err := json.Marshal(nonNilIDs(rec.SourceMessageIDs))
		if err != nil {
			return storeErr("put", err)
		}
		category := rec.Category
		if category == "" {
			category = CategoryOther
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, owner_id, content, original_context, embedding, dimension,
			 relevance_score, extracted_at_ms, source_message_ids, category)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OwnerID, rec.Content, rec.OriginalContext, encodeVector(rec.Embedding), dim,
			rec.RelevanceScore, rec.ExtractedAt, string(sources), string(category),
		); err != nil {
			return storeErr("put", fmt.Errorf("insert %s: %w", rec.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("put", fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("memories stored", zap.Int("count", len(recs)), zap.Int("dimension", dim))
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readDimension(ctx context.Context, q queryer) (int, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", dimensionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("read dimension: %w", err)
	}
	return dim, nil
}

const recordColumns = `id, owner_id, content, original_context, embedding, dimension,
	relevance_score, extracted_at_ms, source_message_ids, category`

func (s *SQLiteStore) query(ctx context.Context, op, where string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM memories "+where+" ORDER BY extracted_at_ms DESC, id", args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return recs, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec       Record
		blob      []byte
		dimension int
		sources   string
		category  string
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &rec.OriginalContext, &blob, &dimension,
		&rec.RelevanceScore, &rec.ExtractedAt, &sources, &category); err != nil {
		return nil, err
	}

	vector, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Embedding = vector

	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &rec.SourceMessageIDs); err != nil {
			return nil, fmt.Errorf("record %s: source ids: %w", rec.ID, err)
		}
	}
	rec.Category = ParseCategory(category)
	return &rec, nil
}

// Get returns one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM memories WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return rec, nil
}

// GetByOwner returns the records produced by one conversation, newest first.
func (s *SQLiteStore) GetByOwner(ctx context.Context, ownerID int64) ([]*Record, error) {
	return s.query(ctx, "get_by_owner", "WHERE owner_id = ?", ownerID)
}

// GetAllExcludingOwner returns every record not produced by ownerID.
func (s *SQLiteStore) GetAllExcludingOwner(ctx context.Context, ownerID int64) ([]*Record, error) {
	return s.query(ctx, "get_excluding_owner", "WHERE owner_id <> ?", ownerID)
}

// GetAll returns every record, newest first.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "get_all", "")
}

// DeleteByID removes one record.
func (s *SQLiteStore) DeleteByID(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return storeErr("delete", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeErr("delete", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteByOwner removes all records of one conversation. Repeating it is a no-op.
func (s *SQLiteStore) DeleteByOwner(ctx context.Context, ownerID int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE owner_id = ?", ownerID)
	if err != nil {
		return 0, storeErr("delete_by_owner", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("delete_by_owner", err)
	}
	s.logger.Debug("memories deleted", zap.Int64("owner_id", ownerID), zap.Int64("count", n))
	return n, nil
}

// Clear wipes every record and the recorded dimension, so the next write may
// use a different embedding model.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("clear", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memories"); err != nil {
		return storeErr("clear", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM store_meta WHERE key = ?", dimensionKey); err != nil {
		return storeErr("clear", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("clear", err)
	}

	s.logger.Info("memory store cleared")
	return nil
}

// Stats aggregates counts per category and owner plus the timestamp range.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory: make(map[Category]int),
		ByOwner:    make(map[int64]int),
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(extracted_at_ms), MAX(extracted_at_ms) FROM memories",
	).Scan(&stats.Total, &oldest, &newest); err != nil {
		return nil, storeErr("stats", err)
	}
	stats.OldestTimestamp = oldest.Int64
	stats.NewestTimestamp = newest.Int64

	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM memories GROUP BY category")
	if err != nil {
		return nil, storeErr("stats", err)
	}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return nil, storeErr("stats", err)
		}
		stats.ByCategory[ParseCategory(category)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT owner_id, COUNT(*) FROM memories GROUP BY owner_id")
	if err != nil {
		return nil, storeErr("stats", err)
	}
	for rows.Next() {
		var owner int64
		var n int
		if err := rows.Scan(&owner, &n); err != nil {
			rows.Close()
			return nil, storeErr("stats", err)
		}
		stats.ByOwner[owner] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats", err)
	}

	dim, err := readDimension(ctx, s.db)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	stats.Dimension = dim

	return stats, nil
}

// Dimension returns the store's embedding length, 0 before the first write.
func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	dim, err := readDimension(ctx, s.db)
	if err != nil {
		return 0, storeErr("dimension", err)
	}
	return dim, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
