package cache

import (
	_ "embed"
)

const (
	selectFileSQL = `
SELECT
    id,
    size,
    mtime_ns
FROM files
WHERE
    path = ?`

	selectSegmentsSQL = `
SELECT
    channel,
    start_ns,
    rate,
    samples
FROM segments
WHERE
    file_id = ?
ORDER BY channel, start_ns`

	deleteFileSQL = `DELETE FROM files WHERE path = ?`

	insertFileSQL = `
INSERT INTO files (path, size, mtime_ns)
VALUES (?, ?, ?)`

	insertSegmentSQL = `
INSERT INTO segments (file_id,
                      channel,
                      start_ns,
                      rate,
                      samples)
VALUES (?, ?, ?, ?, ?)`
)

//go:embed schema.sql
var schemaSQL string
