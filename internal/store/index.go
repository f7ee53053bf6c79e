package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// SQLiteIndex is the default rag.VectorIndex. Vectors are stored as
// little-endian float32 blobs and ranked in Go; SQL only narrows the
// candidate rows by indexed metadata columns. The embedding model and
// dimension are pinned in index_meta by the first write.
type SQLiteIndex struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// docs serialises writers per document ID.
	docs *rag.DocLocks
}

// OpenIndex opens (or creates) a SQLiteIndex at path and runs the schema
// migration.
func OpenIndex(path string) (*SQLiteIndex, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	idx := &SQLiteIndex{db: db, docs: rag.NewDocLocks()}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteIndex) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS index_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
    id           TEXT    PRIMARY KEY,
    doc_id       TEXT    NOT NULL,
    chunk_index  INTEGER NOT NULL,
    source       TEXT    NOT NULL DEFAULT '',
    category     TEXT    NOT NULL DEFAULT '',
    domain       TEXT    NOT NULL DEFAULT '',
    content      TEXT    NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset   INTEGER NOT NULL,
    metadata     TEXT    NOT NULL,  -- JSON object of flattened metadata
    model        TEXT    NOT NULL,
    embedding    BLOB    NOT NULL   -- little-endian float32
);
CREATE INDEX IF NOT EXISTS idx_records_doc      ON records (doc_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_records_category ON records (category);
CREATE INDEX IF NOT EXISTS idx_records_domain   ON records (domain);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate index: %w", err)
	}
	return nil
}

// Upsert inserts or replaces records by ID in one transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, records []rag.Record) error {
	if len(records) == 0 {
		return nil
	}
	unlock := s.docs.LockAll(rag.DocumentIDs(records))
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.pinModel(ctx, tx, records); err != nil {
			return err
		}
		return insertRecords(ctx, tx, records)
	})
}

// ReplaceDocument deletes every record of docID and inserts records in one
// transaction.
func (s *SQLiteIndex) ReplaceDocument(ctx context.Context, docID string, records []rag.Record) error {
	for _, r := range records {
		if r.Chunk.DocumentID != docID {
			return rag.Malformedf("store: record %s belongs to %q, not %q", r.ID, r.Chunk.DocumentID, docID)
		}
	}
	unlock := s.docs.Lock(docID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.pinModel(ctx, tx, records); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE doc_id = ?`, docID); err != nil {
			return fmt.Errorf("store: replace %s: %w", docID, err)
		}
		return insertRecords(ctx, tx, records)
	})
}

// Query ranks every row matching filter by cosine similarity to vector.
func (s *SQLiteIndex) Query(ctx context.Context, vector rag.Vector, k int, filter rag.Filter) ([]rag.Result, error) {
	if k <= 0 {
		return nil, nil
	}
	model, dim, err := s.meta(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if model == "" {
		// Nothing has ever been written.
		return nil, nil
	}
	if err := rag.CheckVector(vector, model, dim); err != nil {
		return nil, err
	}

	where, args := filterClause(filter)
	q := `SELECT id, doc_id, chunk_index, source, content, start_offset, end_offset, metadata, model, embedding
FROM records` + where
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var results []rag.Result
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Match(r.Chunk) {
			continue
		}
		results = append(results, rag.Result{Record: r, Score: rag.Cosine(vector.Values, r.Vector.Values)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	return rag.TopK(results, k), nil
}

// Delete removes every record belonging to docID.
func (s *SQLiteIndex) Delete(ctx context.Context, docID string) error {
	unlock := s.docs.Lock(docID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("store: delete %s: %w", docID, err)
	}
	return nil
}

// Stats reports record and document counts and the pinned model.
func (s *SQLiteIndex) Stats(ctx context.Context) (rag.IndexStats, error) {
	var st rag.IndexStats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT doc_id) FROM records`)
	if err := row.Scan(&st.Records, &st.Documents); err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	model, dim, err := s.meta(ctx, s.db)
	if err != nil {
		return st, err
	}
	st.Model, st.Dimension = model, dim
	if st.Categories, err = s.distinct(ctx, "category"); err != nil {
		return st, err
	}
	if st.Domains, err = s.distinct(ctx, "domain"); err != nil {
		return st, err
	}
	return st, nil
}

// distinct lists the sorted non-empty values of a label column.
func (s *SQLiteIndex) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+column+` FROM records WHERE `+column+` != '' ORDER BY `+column)
	if err != nil {
		return nil, fmt.Errorf("store: distinct %s: %w", column, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: distinct %s: %w", column, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable. The server readiness check uses it.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteIndex) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// meta returns the pinned model and dimension, or "" and 0 when unset.
func (s *SQLiteIndex) meta(ctx context.Context, q querier) (string, int, error) {
	var model, dim sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT (SELECT value FROM index_meta WHERE key = 'model'), (SELECT value FROM index_meta WHERE key = 'dimension')`,
	).Scan(&model, &dim)
	if err != nil {
		return "", 0, fmt.Errorf("store: read index meta: %w", err)
	}
	if model.String == "" {
		return "", 0, nil
	}
	d, err := strconv.Atoi(dim.String)
	if err != nil {
		return "", 0, fmt.Errorf("store: corrupt index dimension %q: %w", dim.String, err)
	}
	return model.String, d, nil
}

// pinModel checks every vector against the pinned model, pinning it from
// the first record when the index is new.
func (s *SQLiteIndex) pinModel(ctx context.Context, tx *sql.Tx, records []rag.Record) error {
	model, dim, err := s.meta(ctx, tx)
	if err != nil {
		return err
	}
	pinned := model != ""
	for _, r := range records {
		if err := rag.CheckVector(r.Vector, model, dim); err != nil {
			return err
		}
		if model == "" {
			model, dim = r.Vector.Model, r.Vector.Dim()
		}
	}
	if pinned || model == "" {
		return nil
	}
	const q = `INSERT INTO index_meta (key, value) VALUES ('model', ?), ('dimension', ?)`
	if _, err := tx.ExecContext(ctx, q, model, strconv.Itoa(dim)); err != nil {
		return fmt.Errorf("store: pin model: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []rag.Record) error {
	const q = `INSERT OR REPLACE INTO records
    (id, doc_id, chunk_index, source, category, domain, content, start_offset, end_offset, metadata, model, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		c := r.Chunk
		meta, err := json.Marshal(c.Metadata.Flatten(""))
		if err != nil {
			return fmt.Errorf("store: encode metadata of %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, c.DocumentID, c.Index, c.Source, c.Metadata.Category, c.Metadata.Domain,
			c.Text, c.Start, c.End, string(meta), r.Vector.Model, encodeVector(r.Vector.Values),
		); err != nil {
			return fmt.Errorf("store: insert %s: %w", r.ID, err)
		}
	}
	return nil
}

// filterClause narrows rows by the indexed columns. Tags and extra keys are
// matched in Go by rag.Filter.Match.
func filterClause(f rag.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	add("doc_id", f.DocumentID)
	add("category", f.Category)
	add("domain", f.Domain)
	add("source", f.Source)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner is satisfied by *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (rag.Record, error) {
	var (
		r    rag.Record
		meta string
		blob []byte
	)
	c := &r.Chunk
	if err := rs.Scan(&r.ID, &c.DocumentID, &c.Index, &c.Source, &c.Text, &c.Start, &c.End, &meta, &r.Vector.Model, &blob); err != nil {
		return r, fmt.Errorf("store: scan record: %w", err)
	}
	var flat map[string]string
	if err := json.Unmarshal([]byte(meta), &flat); err != nil {
		return r, fmt.Errorf("store: decode metadata of %s: %w", r.ID, err)
	}
	c.Metadata, _ = rag.Unflatten(flat)
	values, err := decodeVector(blob)
	if err != nil {
		return r, fmt.Errorf("store: decode vector of %s: %w", r.ID, err)
	}
	r.Vector.Values = values
	return r, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

var errBlobLength = errors.New("blob length is not a multiple of 4")

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errBlobLength
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
