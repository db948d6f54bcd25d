package tidestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// schemaVersion is the catalog schema version stored in PRAGMA user_version.
// Opening a catalog with a different version fails with ErrSchema.
const schemaVersion = 2

// catalogPath returns the catalog database path for a data file.
func catalogPath(dataPath string) string {
	return dataPath + "-catalog.db"
}

// catalog is the transactional metadata store kept beside the raw block
// file: the block allocation table, the stream registry and the segment
// index. All mutations run in short transactions; frame bytes never pass
// through it.
type catalog struct {
	db   *sql.DB
	path string
}

// openCatalog opens an existing catalog. The database file must already
// exist; a missing catalog means the store was never allocated.
func openCatalog(dataPath string, readOnly bool) (*catalog, error) {
	path := catalogPath(dataPath)
	if _, err := os.Stat(path); err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "catalog not found", path, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if readOnly {
		// WAL is persisted in the database file; a read-only connection
		// must not try to change the journal mode.
		dsn = fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "open catalog", path, err)
	}

	c := &catalog{db: db, path: path}
	if err := c.verify(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// createCatalog builds a fresh catalog for a newly allocated store,
// replacing any stale database left from a previous allocation.
func createCatalog(dataPath string, blockCount uint32) (*catalog, error) {
	path := catalogPath(dataPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, newStorageError(StorageErrorTypeAllocate, "remove stale catalog", path, err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeAllocate, "create catalog", path, err)
	}

	c := &catalog{db: db, path: path}
	if err := c.initSchema(blockCount); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// initSchema creates the catalog schema and seeds the block pool.
func (c *catalog) initSchema(blockCount uint32) error {
	schema := `
		-- Block allocation table: one row per pre-allocated block slot.
		CREATE TABLE blocks (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			idx    INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'free'
		);

		-- Stream registry: one row per stream tag.
		CREATE TABLE streams (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			tag      TEXT NOT NULL UNIQUE,
			metadata TEXT NOT NULL DEFAULT '',
			last_ts  INTEGER,
			next_seq INTEGER NOT NULL DEFAULT 0
		);

		-- Segment index: a segment is a run of blocks owned by one stream.
		CREATE TABLE segments (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id INTEGER NOT NULL REFERENCES streams(id)
		);

		-- end_ts is NULL while the block is still receiving frames; any
		-- integer, zero and negatives included, is a closed timestamp.
		CREATE TABLE segment_blocks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			segment_id INTEGER NOT NULL REFERENCES segments(id),
			seq        INTEGER NOT NULL,
			block_id   INTEGER NOT NULL REFERENCES blocks(id),
			block_idx  INTEGER NOT NULL,
			start_ts   INTEGER NOT NULL,
			end_ts     INTEGER,
			uuid       TEXT NOT NULL
		);

		-- Engine metadata (encryption salt and the like).
		CREATE TABLE meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE TRIGGER delete_empty_segments
		AFTER DELETE ON segment_blocks
		BEGIN
			DELETE FROM segments
			WHERE id = OLD.segment_id
			AND NOT EXISTS (
				SELECT 1 FROM segment_blocks WHERE segment_id = OLD.segment_id
			);
		END;

		CREATE INDEX idx_segment_blocks_segment ON segment_blocks(segment_id);
		CREATE INDEX idx_segment_blocks_range ON segment_blocks(start_ts);
		CREATE INDEX idx_blocks_status ON blocks(status);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}

	err := c.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO blocks (idx, status) VALUES (?, 'free')`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := uint32(0); i < blockCount; i++ {
			if _, err := stmt.Exec(i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed block pool: %w", err)
	}

	if _, err := c.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// verify checks the schema version and the presence of the core tables.
func (c *catalog) verify() error {
	var version int
	if err := c.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return newStorageError(StorageErrorTypeOpen, "read schema version", c.path, err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: have %d, want %d", ErrSchema, version, schemaVersion)
	}
	var name string
	err := c.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'blocks'`).Scan(&name)
	if err != nil {
		return newStorageError(StorageErrorTypeOpen, "catalog missing block table", c.path, err)
	}
	return nil
}

// Close closes the catalog connection.
func (c *catalog) Close() error {
	return c.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (c *catalog) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// getMeta returns the value stored under key, or nil when absent.
func (c *catalog) getMeta(key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meta %q: %w", key, err)
	}
	return value, nil
}

// setMeta stores value under key, replacing any previous value.
func (c *catalog) setMeta(key string, value []byte) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %q: %w", key, err)
	}
	return nil
}

// streamRow is one row of the stream registry.
type streamRow struct {
	id       int64
	tag      string
	metadata string
	lastTS   sql.NullInt64
	nextSeq  int64
}

// streamByTag returns the registry row for tag, or nil when unregistered.
func (c *catalog) streamByTag(tag string) (*streamRow, error) {
	row := &streamRow{}
	err := c.db.QueryRow(
		`SELECT id, tag, metadata, last_ts, next_seq FROM streams WHERE tag = ?`, tag).
		Scan(&row.id, &row.tag, &row.metadata, &row.lastTS, &row.nextSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up stream %q: %w", tag, err)
	}
	return row, nil
}

// registerStream returns the registry row for tag, inserting it on first
// registration. Uniqueness comes from the tag's UNIQUE constraint.
func (c *catalog) registerStream(tag, metadata string) (*streamRow, error) {
	var row *streamRow
	err := c.withTx(func(tx *sql.Tx) error {
		r := &streamRow{}
		err := tx.QueryRow(
			`SELECT id, tag, metadata, last_ts, next_seq FROM streams WHERE tag = ?`, tag).
			Scan(&r.id, &r.tag, &r.metadata, &r.lastTS, &r.nextSeq)
		if err == nil {
			row = r
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("look up stream %q: %w", tag, err)
		}
		res, err := tx.Exec(
			`INSERT INTO streams (tag, metadata) VALUES (?, ?)`, tag, metadata)
		if err != nil {
			return fmt.Errorf("register stream %q: %w", tag, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row = &streamRow{id: id, tag: tag, metadata: metadata}
		return nil
	})
	return row, err
}

// lastTimestamp returns the newest timestamp known for a stream: the
// persisted last_ts merged with the finalized block end timestamps.
func (c *catalog) lastTimestamp(streamID int64) (int64, bool, error) {
	var last sql.NullInt64
	err := c.db.QueryRow(`
		SELECT MAX(ts) FROM (
			SELECT last_ts AS ts FROM streams WHERE id = ?1
			UNION ALL
			SELECT MAX(sb.end_ts) AS ts
			FROM segment_blocks sb
			JOIN segments g ON g.id = sb.segment_id
			WHERE g.stream_id = ?1 AND sb.end_ts IS NOT NULL
		)`, streamID).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("resolve last timestamp: %w", err)
	}
	return last.Int64, last.Valid, nil
}

// segmentBlockRow is one block attached to a segment, joined with its
// stream metadata where the caller needs it. endTS is invalid while the
// block is still open.
type segmentBlockRow struct {
	id        int64
	segmentID int64
	seq       int64
	blockID   int64
	blockIdx  int64
	startTS   int64
	endTS     sql.NullInt64
	uuid      string
	metadata  string
}

// allocateBlock acquires one free block for a stream and attaches it to a
// segment, creating the segment when segmentID is zero. Everything happens
// in one transaction: a crash can never leave a segment referencing a block
// that is not marked used.
func (c *catalog) allocateBlock(streamID, segmentID int64, startTS int64, blockUUID string, autoReclaim bool) (int64, *segmentBlockRow, error) {
	var outSegment int64
	var out *segmentBlockRow

	err := c.withTx(func(tx *sql.Tx) error {
		outSegment = segmentID
		if outSegment == 0 {
			res, err := tx.Exec(`INSERT INTO segments (stream_id) VALUES (?)`, streamID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnableToCreateSegment, err)
			}
			outSegment, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnableToCreateSegment, err)
			}
		}

		var blockID, blockIdx int64
		err := tx.QueryRow(
			`SELECT id, idx FROM blocks WHERE status = 'free' ORDER BY id LIMIT 1`).
			Scan(&blockID, &blockIdx)
		if errors.Is(err, sql.ErrNoRows) {
			if !autoReclaim {
				return ErrNoFreeBlocks
			}
			blockID, blockIdx, err = reclaimOldestBlock(tx)
			if err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}

		var seq int64
		if err := tx.QueryRow(
			`SELECT next_seq FROM streams WHERE id = ?`, streamID).Scan(&seq); err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}
		if _, err := tx.Exec(
			`UPDATE streams SET next_seq = next_seq + 1 WHERE id = ?`, streamID); err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}

		if _, err := tx.Exec(
			`UPDATE blocks SET status = 'used' WHERE id = ?`, blockID); err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}

		res, err := tx.Exec(`
			INSERT INTO segment_blocks (segment_id, seq, block_id, block_idx, start_ts, end_ts, uuid)
			VALUES (?, ?, ?, ?, ?, NULL, ?)`,
			outSegment, seq, blockID, blockIdx, startTS, blockUUID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
		}

		out = &segmentBlockRow{
			id:        id,
			segmentID: outSegment,
			seq:       seq,
			blockID:   blockID,
			blockIdx:  blockIdx,
			startTS:   startTS,
			uuid:      blockUUID,
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return outSegment, out, nil
}

// reclaimOldestBlock recycles the finalized block with the oldest end
// timestamp. Deleting its segment_blocks row hides it from readers before
// the block is handed back out; the empty-segment trigger prunes segments
// that lose their last block.
func reclaimOldestBlock(tx *sql.Tx) (int64, int64, error) {
	var sbID, blockID, blockIdx int64
	err := tx.QueryRow(`
		SELECT sb.id, sb.block_id, b.idx
		FROM segment_blocks sb
		JOIN blocks b ON b.id = sb.block_id
		WHERE sb.end_ts IS NOT NULL
		ORDER BY sb.end_ts ASC, sb.id ASC
		LIMIT 1`).Scan(&sbID, &blockID, &blockIdx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNoFreeBlocks
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
	}
	if _, err := tx.Exec(`DELETE FROM segment_blocks WHERE id = ?`, sbID); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnableToCreateSegmentBlock, err)
	}
	return blockID, blockIdx, nil
}

// finalizeBlock closes a block: fixes its end timestamp and folds it into
// the stream's persisted last-written timestamp.
func (c *catalog) finalizeBlock(segmentBlockID, streamID, endTS int64) error {
	return c.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE segment_blocks SET end_ts = ? WHERE id = ?`, endTS, segmentBlockID); err != nil {
			return fmt.Errorf("finalize block: %w", err)
		}
		_, err := tx.Exec(`
			UPDATE streams
			SET last_ts = CASE WHEN last_ts IS NULL OR last_ts < ?2 THEN ?2 ELSE last_ts END
			WHERE id = ?1`, streamID, endTS)
		if err != nil {
			return fmt.Errorf("advance stream timestamp: %w", err)
		}
		return nil
	})
}

const segmentBlockColumns = `
	sb.id, sb.segment_id, sb.seq, sb.block_id, sb.block_idx,
	sb.start_ts, sb.end_ts, sb.uuid, s.metadata`

func scanSegmentBlock(scan func(dest ...any) error) (*segmentBlockRow, error) {
	row := &segmentBlockRow{}
	err := scan(&row.id, &row.segmentID, &row.seq, &row.blockID, &row.blockIdx,
		&row.startTS, &row.endTS, &row.uuid, &row.metadata)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// blocksInRange lists a stream's blocks whose time span overlaps
// [start, end], ascending by sequence. Open blocks (NULL end_ts) are
// treated as extending to the present.
func (c *catalog) blocksInRange(tag string, start, end int64) ([]*segmentBlockRow, error) {
	rows, err := c.db.Query(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ?
		AND sb.start_ts <= ?
		AND (sb.end_ts >= ? OR sb.end_ts IS NULL)
		ORDER BY sb.seq ASC`, tag, end, start)
	if err != nil {
		return nil, fmt.Errorf("list blocks in range: %w", err)
	}
	defer rows.Close()

	var out []*segmentBlockRow
	for rows.Next() {
		row, err := scanSegmentBlock(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan segment block: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// segmentBlockQuery runs a query expected to return at most one segment
// block row.
func (c *catalog) segmentBlockQuery(query string, args ...any) (*segmentBlockRow, error) {
	row, err := scanSegmentBlock(c.db.QueryRow(query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up segment block: %w", err)
	}
	return row, nil
}

// firstBlock returns a stream's lowest-sequence block, nil when empty.
func (c *catalog) firstBlock(tag string) (*segmentBlockRow, error) {
	return c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ?
		ORDER BY sb.seq ASC LIMIT 1`, tag)
}

// blockBySeq returns a stream's block with the given sequence number.
func (c *catalog) blockBySeq(tag string, seq int64) (*segmentBlockRow, error) {
	return c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ? AND sb.seq = ?`, tag, seq)
}

// nextBlock returns the first block after seq, nil at the end.
func (c *catalog) nextBlock(tag string, seq int64) (*segmentBlockRow, error) {
	return c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ? AND sb.seq > ?
		ORDER BY sb.seq ASC LIMIT 1`, tag, seq)
}

// prevBlock returns the last block before seq, nil at the beginning.
func (c *catalog) prevBlock(tag string, seq int64) (*segmentBlockRow, error) {
	return c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ? AND sb.seq < ?
		ORDER BY sb.seq DESC LIMIT 1`, tag, seq)
}

// blockForTimestamp locates the block whose span contains ts, or failing
// that the first block starting after ts. A seek before the first frame
// still lands on the first block.
func (c *catalog) blockForTimestamp(tag string, ts int64) (*segmentBlockRow, error) {
	row, err := c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ?
		AND sb.start_ts <= ?
		AND (sb.end_ts >= ? OR sb.end_ts IS NULL)
		ORDER BY sb.seq ASC LIMIT 1`, tag, ts, ts)
	if err != nil || row != nil {
		return row, err
	}
	return c.segmentBlockQuery(`
		SELECT `+segmentBlockColumns+`
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		JOIN streams s ON s.id = g.stream_id
		WHERE s.tag = ? AND sb.start_ts >= ?
		ORDER BY sb.seq ASC LIMIT 1`, tag, ts)
}

// openBlockRow describes an open block found during recovery.
type openBlockRow struct {
	segmentBlockID int64
	streamID       int64
	blockID        int64
	blockIdx       int64
	uuid           string
}

// openBlocks lists blocks that were never finalized, oldest first.
func (c *catalog) openBlocks() ([]openBlockRow, error) {
	rows, err := c.db.Query(`
		SELECT sb.id, g.stream_id, sb.block_id, sb.block_idx, sb.uuid
		FROM segment_blocks sb
		JOIN segments g ON g.id = sb.segment_id
		WHERE sb.end_ts IS NULL
		ORDER BY sb.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open blocks: %w", err)
	}
	defer rows.Close()

	var out []openBlockRow
	for rows.Next() {
		var row openBlockRow
		if err := rows.Scan(&row.segmentBlockID, &row.streamID, &row.blockID, &row.blockIdx, &row.uuid); err != nil {
			return nil, fmt.Errorf("scan open block: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// releaseBlock detaches a segment block that holds no valid frames and
// returns its slot to the free pool. The empty-segment trigger prunes the
// owning segment when this was its last block.
func (c *catalog) releaseBlock(segmentBlockID, blockID int64) error {
	return c.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE blocks SET status = 'free' WHERE id = ?`, blockID); err != nil {
			return fmt.Errorf("release block: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM segment_blocks WHERE id = ?`, segmentBlockID); err != nil {
			return fmt.Errorf("detach segment block: %w", err)
		}
		return nil
	})
}

// freeWholeSegments releases every block of the stream's segments whose
// time span lies entirely inside [start, end]. Segments with an open block
// or any frame outside the range are left untouched; reclamation never
// splits a segment. Returns the number of segments released.
func (c *catalog) freeWholeSegments(streamID int64, start, end int64) (int, error) {
	freed := 0
	err := c.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT g.id FROM segments g
			WHERE g.stream_id = ?
			AND EXISTS (SELECT 1 FROM segment_blocks sb WHERE sb.segment_id = g.id)
			AND NOT EXISTS (
				SELECT 1 FROM segment_blocks sb
				WHERE sb.segment_id = g.id
				AND (sb.end_ts IS NULL OR sb.start_ts < ? OR sb.end_ts > ?)
			)`, streamID, start, end)
		if err != nil {
			return fmt.Errorf("find reclaimable segments: %w", err)
		}
		var segmentIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan segment id: %w", err)
			}
			segmentIDs = append(segmentIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range segmentIDs {
			if _, err := tx.Exec(`
				UPDATE blocks SET status = 'free'
				WHERE id IN (SELECT block_id FROM segment_blocks WHERE segment_id = ?)`, id); err != nil {
				return fmt.Errorf("release segment blocks: %w", err)
			}
			if _, err := tx.Exec(
				`DELETE FROM segment_blocks WHERE segment_id = ?`, id); err != nil {
				return fmt.Errorf("detach segment blocks: %w", err)
			}
			freed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// freeBlockCount returns the number of blocks currently in the free pool.
func (c *catalog) freeBlockCount() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE status = 'free'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count free blocks: %w", err)
	}
	return n, nil
}

// streamTagRows returns a cursor over tags with data overlapping
// [start, end], in registration order.
func (c *catalog) streamTagRows(start, end int64) (*sql.Rows, error) {
	return c.db.Query(`
		SELECT s.tag FROM streams s
		WHERE EXISTS (
			SELECT 1 FROM segment_blocks sb
			JOIN segments g ON g.id = sb.segment_id
			WHERE g.stream_id = s.id
			AND sb.start_ts <= ?
			AND (sb.end_ts >= ? OR sb.end_ts IS NULL)
		)
		ORDER BY s.id ASC`, end, start)
}
