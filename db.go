package indexatron

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is the catalog of photos the tool has seen. It backs skip-existing
// behavior across runs; the JSON artifacts remain the primary output.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

// PhotoPath is a photo discovered on disk, prior to any processing.
type PhotoPath struct {
	Filename string
	Modtime  time.Time
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// InsertPhotos registers discovered photos, ignoring ones already present.
// Returns the number of newly inserted rows.
func (db *DB) InsertPhotos(ctx context.Context, photos []PhotoPath, batchSize int) (int, error) {
	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	start := 0
	affected := 0
	for start < len(photos) {
		end := min(start+batchSize, len(photos))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT OR IGNORE INTO photos (filename, mtime) VALUES")
		values := make([]any, 0, batchSize*2)
		for idx, p := range photos[start:end] {
			qsb.WriteString(" ($")
			qsb.WriteString(strconv.Itoa(idx*2 + 1))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(idx*2 + 2))
			qsb.WriteString("),")

			values = append(values, p.Filename, p.Modtime)
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0 : len(queryString)-1]

		res, err := txn.ExecContext(ctx, queryString, values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

// MarkAnalyzed records a successful analysis for a photo.
func (db *DB) MarkAnalyzed(ctx context.Context, filename, description, model string, at time.Time) error {
	_, err := db.db.ExecContext(ctx,
		"UPDATE photos SET description=$1,model=$2,analyzed_at=$3 WHERE filename=$4",
		description,
		model,
		at,
		filename)
	return err
}

// MarkAttempted records a failed attempt so a later run can tell the photo
// was seen but did not produce a result.
func (db *DB) MarkAttempted(ctx context.Context, filename, model string, at time.Time) error {
	_, err := db.db.ExecContext(ctx,
		"UPDATE photos SET attempted_at=$1,model=$2 WHERE filename=$3",
		at,
		model,
		filename)
	return err
}

// CreateEmbedding stores the vector for a photo. The vector is serialized
// as big-endian float32s.
func (db *DB) CreateEmbedding(ctx context.Context, filename, model string, vector []float32, at time.Time) error {
	buf := &bytes.Buffer{}
	buf.Grow(len(vector) * 4)
	if err := binary.Write(buf, binary.BigEndian, vector); err != nil {
		return err
	}

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO embeddings
		(photo_id, model, dims, vector, processed_at)
		VALUES ((SELECT id FROM photos WHERE filename=?),?,?,?,?)
		`,
		filename, model, len(vector), buf.Bytes(), at,
	)
	return err
}

// GetEmbedding retrieves the stored vector for a photo.
func (db *DB) GetEmbedding(ctx context.Context, filename string) ([]float32, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT e.vector
		FROM embeddings e
		INNER JOIN photos p ON e.photo_id=p.id
		WHERE p.filename=?`, filename)
	if row.Err() != nil {
		return nil, row.Err()
	}

	var blobData []byte
	if err := row.Scan(&blobData); err != nil {
		return nil, err
	}

	vector := make([]float32, len(blobData)/4)
	if err := binary.Read(bytes.NewReader(blobData), binary.BigEndian, &vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// IsProcessed reports whether a photo already has both an analysis and an
// embedding in the catalog.
func (db *DB) IsProcessed(ctx context.Context, filename string) (bool, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM photos p
		INNER JOIN embeddings e ON e.photo_id=p.id
		WHERE p.filename=? AND p.analyzed_at IS NOT NULL`, filename)
	if row.Err() != nil {
		return false, row.Err()
	}

	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountEmbeddings returns the number of embeddings in the DB
func (db *DB) CountEmbeddings(ctx context.Context) (int, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings`)
	if row.Err() != nil {
		return 0, row.Err()
	}

	var ne int
	if err := row.Scan(&ne); err != nil {
		return 0, err
	}

	return ne, nil
}

// PhotosToAnalyze returns filenames in the catalog that have neither been
// analyzed nor attempted.
func (db *DB) PhotosToAnalyze(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT filename FROM photos WHERE analyzed_at IS NULL AND attempted_at IS NULL ORDER BY filename")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filenames []string
	for rows.Next() {
		var fn string
		if err := rows.Scan(&fn); err != nil {
			return nil, err
		}
		filenames = append(filenames, fn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return filenames, nil
}
