// Package cache persists decoded segments in a SQLite database so repeated
// runs over the same recordings skip the payload decode. Entries are keyed by
// the source file path and validated against its size and modification time;
// a file that changed on disk invalidates its entry.
package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

// Cache handles database operations for the segment cache.
type Cache struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a cache backed by the SQLite database at dbPath. Connections
// open lazily; the schema is initialized on first write.
func New(dbPath string) *Cache {
	return &Cache{dbPath: dbPath}
}

func (c *Cache) getWriteDB() (*sql.DB, error) {
	c.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", c.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1"))
		if err != nil {
			c.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			c.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		c.writeDB = db
	})

	return c.writeDB, c.writeDBErr
}

func (c *Cache) getReadDB() (*sql.DB, error) {
	c.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", c.dbPath, "_foreign_keys=1"))
		if err != nil {
			c.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		c.readDB = db
	})

	return c.readDB, c.readDBErr
}

// Lookup returns the cached segments for a source file. It misses when the
// file has no entry or when the entry was made for a different size or
// modification time; a stale entry is dropped on the spot.
func (c *Cache) Lookup(ctx context.Context, path string) (segments []timeseries.Segment, ok bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("stating %s: %w", path, err)
	}

	// the write connection initializes the schema on a fresh database
	if _, err = c.getWriteDB(); err != nil {
		return nil, false, fmt.Errorf("getting write connection: %w", err)
	}
	db, err := c.getReadDB()
	if err != nil {
		return nil, false, fmt.Errorf("getting read connection: %w", err)
	}

	var fileID, size, mtimeNS int64
	row := db.QueryRowContext(ctx, selectFileSQL, path)
	if err = row.Scan(&fileID, &size, &mtimeNS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scanning file entry: %w", err)
	}

	if size != info.Size() || mtimeNS != info.ModTime().UnixNano() {
		if err = c.Invalidate(ctx, path); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	rows, err := db.QueryContext(ctx, selectSegmentsSQL, fileID)
	if err != nil {
		return nil, false, fmt.Errorf("querying segments: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var channel, rateText string
		var startNS int64
		var blob []byte
		if err = rows.Scan(&channel, &startNS, &rateText, &blob); err != nil {
			return nil, false, fmt.Errorf("scanning segment: %w", err)
		}
		rate, rateErr := timeseries.ParseRate(rateText)
		if rateErr != nil {
			return nil, false, fmt.Errorf("decoding cached rate %q: %w", rateText, rateErr)
		}
		segments = append(segments, timeseries.Segment{
			Channel: channel,
			Start:   time.Unix(0, startNS).UTC(),
			Rate:    rate,
			Samples: decodeSamples(blob),
		})
	}
	if err = rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating segments: %w", err)
	}
	return segments, true, nil
}

// Store replaces the cache entry for a source file with the given segments.
func (c *Cache) Store(ctx context.Context, path string, segments []timeseries.Segment) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}

	db, err := c.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, deleteFileSQL, path); err != nil {
		return fmt.Errorf("dropping stale entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, insertFileSQL, path, info.Size(), info.ModTime().UnixNano())
	if err != nil {
		return fmt.Errorf("inserting file entry: %w", err)
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting file ID: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSegmentSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for _, seg := range segments {
		num, den := seg.Rate.Ratio()
		_, err = stmt.ExecContext(ctx,
			fileID,
			seg.Channel,
			seg.Start.UnixNano(),
			fmt.Sprintf("%d/%d", num, den),
			encodeSamples(seg.Samples),
		)
		if err != nil {
			return fmt.Errorf("inserting segment: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Invalidate drops the cache entry for a source file.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	db, err := c.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	if _, err = db.ExecContext(ctx, deleteFileSQL, path); err != nil {
		return fmt.Errorf("dropping entry: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		var writeErr, readErr error

		if c.writeDB != nil {
			writeErr = c.writeDB.Close()
			c.writeDB = nil
		}
		if c.readDB != nil {
			readErr = c.readDB.Close()
			c.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			c.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			c.closeErr = writeErr
		case readErr != nil:
			c.closeErr = readErr
		}
	})

	return c.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

// encodeSamples packs samples as little-endian float64 bits.
func encodeSamples(samples []float64) []byte {
	out := make([]byte, 8*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func decodeSamples(blob []byte) []float64 {
	out := make([]float64, len(blob)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*i:]))
	}
	return out
}
