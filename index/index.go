// ABOUTME: Recall indexes for past turns: a sqlite relational index plus sqlite-vec collections.
// ABOUTME: Neither index is in the answer path; callers treat write failures as warnings.

package index

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so
	// the vec0 virtual tables below are available on every connection.
	vec.Auto()
}

// Collection names the three vector collections.
type Collection string

const (
	CollectionTurns    Collection = "turns"
	CollectionResearch Collection = "research"
	CollectionMemories Collection = "memories"
)

func (c Collection) table() (string, error) {
	switch c {
	case CollectionTurns:
		return "vec_turns", nil
	case CollectionResearch:
		return "vec_research", nil
	case CollectionMemories:
		return "vec_memories", nil
	}
	return "", fmt.Errorf("unknown vector collection %q", c)
}

// TurnRecord is one row in the relational turns index.
type TurnRecord struct {
	TurnNumber int64
	Profile    string
	Topic      string
	Intent     string
	Quality    float64
	TurnDir    string
	CreatedAt  time.Time
}

// Match is one vector search hit. Lower distance is more similar.
type Match struct {
	Ref      string
	Text     string
	Distance float64
}

// Index wraps the sqlite database holding both the relational and the vector
// side. It is a queryable cache, never the source of truth: the turn
// documents on disk are.
type Index struct {
	db       *sql.DB
	dims     int
	embedder Embedder
}

// Open opens or creates the index database and ensures the schema. The vec0
// virtual tables carry embeddings of the given dimensionality.
func Open(path string, dims int) (*Index, error) {
	if dims < 1 {
		return nil, fmt.Errorf("embedding dims must be >= 1, got %d", dims)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			turn_number INTEGER NOT NULL,
			profile TEXT NOT NULL,
			topic TEXT NOT NULL,
			intent TEXT NOT NULL,
			quality REAL NOT NULL,
			turn_dir TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (profile, turn_number)
		);
		CREATE INDEX IF NOT EXISTS idx_turns_topic ON turns(profile, topic);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	for _, table := range []string{"vec_turns", "vec_research", "vec_memories"} {
		stmt := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d], ref TEXT, body TEXT)",
			table, dims)
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create %s: %w", table, err)
		}
	}

	return &Index{db: db, dims: dims, embedder: NewHashEmbedder(dims)}, nil
}

// SetEmbedder replaces the default hashing embedder, e.g. with a provider-
// backed one. Must be called before concurrent use.
func (ix *Index) SetEmbedder(e Embedder) { ix.embedder = e }

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// UpsertTurn inserts or replaces one relational turn row.
func (ix *Index) UpsertTurn(rec TurnRecord) error {
	_, err := ix.db.Exec(`
		INSERT INTO turns (turn_number, profile, topic, intent, quality, turn_dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile, turn_number) DO UPDATE SET
			topic = excluded.topic,
			intent = excluded.intent,
			quality = excluded.quality,
			turn_dir = excluded.turn_dir`,
		rec.TurnNumber, rec.Profile, rec.Topic, rec.Intent, rec.Quality, rec.TurnDir,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert turn %d: %w", rec.TurnNumber, err)
	}
	return nil
}

// RecentTurns returns the profile's most recent turns, newest first.
func (ix *Index) RecentTurns(profile string, limit int) ([]TurnRecord, error) {
	rows, err := ix.db.Query(`
		SELECT turn_number, profile, topic, intent, quality, turn_dir, created_at
		FROM turns WHERE profile = ?
		ORDER BY turn_number DESC LIMIT ?`, profile, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// SearchTurns returns turns whose topic contains the needle, newest first.
func (ix *Index) SearchTurns(profile, topic string, limit int) ([]TurnRecord, error) {
	rows, err := ix.db.Query(`
		SELECT turn_number, profile, topic, intent, quality, turn_dir, created_at
		FROM turns WHERE profile = ? AND topic LIKE ?
		ORDER BY turn_number DESC LIMIT ?`, profile, "%"+topic+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]TurnRecord, error) {
	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var created string
		if err := rows.Scan(&rec.TurnNumber, &rec.Profile, &rec.Topic, &rec.Intent,
			&rec.Quality, &rec.TurnDir, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertEmbedding embeds the text and stores it in the collection under ref.
// A previous row with the same ref is replaced.
func (ix *Index) UpsertEmbedding(coll Collection, ref, text string) error {
	table, err := coll.table()
	if err != nil {
		return err
	}
	blob := encodeFloat32Blob(ix.embedder.Embed(text))

	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE ref = ?", table), ref); err != nil {
		return fmt.Errorf("replace embedding %s: %w", ref, err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (embedding, ref, body) VALUES (?, ?, ?)", table),
		blob, ref, text); err != nil {
		return fmt.Errorf("insert embedding %s: %w", ref, err)
	}
	return tx.Commit()
}

// SearchSimilar returns the collection entries nearest to the query text by
// cosine distance.
func (ix *Index) SearchSimilar(coll Collection, query string, limit int) ([]Match, error) {
	table, err := coll.table()
	if err != nil {
		return nil, err
	}
	blob := encodeFloat32Blob(ix.embedder.Embed(query))

	rows, err := ix.db.Query(fmt.Sprintf(`
		SELECT ref, body, vec_distance_cosine(embedding, ?) AS distance
		FROM %s ORDER BY distance ASC LIMIT ?`, table), blob, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search %s: %w", table, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Ref, &m.Text, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// encodeFloat32Blob serializes a vector as the little-endian blob sqlite-vec
// expects.
func encodeFloat32Blob(v []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil
	}
	return buf.Bytes()
}
