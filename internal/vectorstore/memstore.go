package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// MemStore is a Collection backed by an embedded SQLite database.
// Embeddings are stored as little-endian float32 BLOBs; similarity is
// computed in-process with cosine distance over every row, so this
// backend is meant for offline use and tests, not production scale.
type MemStore struct {
	db         *sql.DB
	collection string
	mu         sync.Mutex
}

// NewMemStore opens (or creates) a SQLite-backed collection named
// collection inside the database at path. Use ":memory:" for a
// throwaway, process-local store.
func NewMemStore(path, collection string) (*MemStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	m := &MemStore{db: db, collection: collection}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *MemStore) migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + m.tableName() + ` (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB
		)
	`)
	return err
}

func (m *MemStore) tableName() string {
	return "vectors_" + sanitizeTableSuffix(m.collection)
}

func sanitizeTableSuffix(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}

// Add implements Collection.
func (m *MemStore) Add(ctx context.Context, id string, embedding []float32, document string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO `+m.tableName()+` (id, document, metadata, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, metadata = excluded.metadata, embedding = excluded.embedding`,
		id, document, string(metaJSON), encodeEmbedding(embedding))
	return err
}

// Query implements Collection.
func (m *MemStore) Query(ctx context.Context, embedding []float32, n int) ([]QueryResult, error) {
	if n <= 0 {
		n = 10
	}

	records, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec  Record
		dist float64
	}
	scoredRecs := make([]scored, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		scoredRecs = append(scoredRecs, scored{rec: r, dist: 1 - cosineSimilarity(embedding, r.Embedding)})
	}

	sort.Slice(scoredRecs, func(i, j int) bool { return scoredRecs[i].dist < scoredRecs[j].dist })

	if n > len(scoredRecs) {
		n = len(scoredRecs)
	}
	results := make([]QueryResult, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, QueryResult{
			ID:       scoredRecs[i].rec.ID,
			Document: scoredRecs[i].rec.Document,
			Metadata: scoredRecs[i].rec.Metadata,
			Distance: scoredRecs[i].dist,
		})
	}
	return results, nil
}

// Get implements Collection.
func (m *MemStore) Get(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.QueryContext(ctx, `SELECT id, document, metadata, embedding FROM `+m.tableName())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, document string
		var metaJSON sql.NullString
		var blob []byte
		if err := rows.Scan(&id, &document, &metaJSON, &blob); err != nil {
			return nil, err
		}

		metadata := map[string]string{}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &metadata)
		}

		records = append(records, Record{
			ID:        id,
			Embedding: decodeEmbedding(blob),
			Document:  document,
			Metadata:  metadata,
		})
	}
	return records, rows.Err()
}

// Persist implements Collection. SQLite commits on every write
// transaction already; this is a no-op kept for contract symmetry.
func (m *MemStore) Persist(ctx context.Context) error {
	return nil
}

// Close releases the underlying database handle.
func (m *MemStore) Close() error {
	return m.db.Close()
}

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
