// Package archive records the packet log in SQLite so history survives
// eviction from the bounded on-screen log and process restarts. It holds
// packets only; topology and sensor state are never persisted.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/meshview/internal/packetlog"
)

// Store is a bounded packet archive backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	retain int
}

// NewStore opens the archive at the given database path, keeping at
// most retain packets (0 keeps everything). The schema is created
// automatically on first use.
func NewStore(dbPath string, retain int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, retain: retain}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packets (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		type        TEXT NOT NULL,
		src         TEXT NOT NULL,
		dst         TEXT NOT NULL,
		src_node    TEXT NOT NULL DEFAULT '',
		dst_node    TEXT NOT NULL DEFAULT '',
		label       TEXT NOT NULL DEFAULT '',
		pkt_time    TEXT NOT NULL DEFAULT '',
		style       TEXT NOT NULL,
		received_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS packets_type ON packets (type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a logged packet and prunes the oldest rows beyond the
// retention limit. It satisfies [packetlog.Sink].
func (s *Store) Record(ctx context.Context, e packetlog.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packets (type, src, dst, src_node, dst_node, label, pkt_time, style, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Src, e.Dst, e.SrcNode, e.DstNode, e.Label, e.Time, e.Style,
		e.Received.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record packet %d: %w", e.Seq, err)
	}

	if s.retain <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM packets WHERE id <= (SELECT MAX(id) FROM packets) - ?`,
		s.retain,
	)
	if err != nil {
		return fmt.Errorf("prune packets: %w", err)
	}
	return nil
}

// Query filters [Store.History]. Zero values match everything.
type Query struct {
	Type  string
	Node  string // matches source or destination node id or address
	Limit int
}

// History returns archived packets, newest first. Seq holds the
// archive row id.
func (s *Store) History(ctx context.Context, q Query) ([]packetlog.Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, src, dst, src_node, dst_node, label, pkt_time, style, received_at
		 FROM packets
		 WHERE (? = '' OR type = ?)
		   AND (? = '' OR src_node = ? OR dst_node = ? OR src = ? OR dst = ?)
		 ORDER BY id DESC
		 LIMIT ?`,
		q.Type, q.Type, q.Node, q.Node, q.Node, q.Node, q.Node, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	result := []packetlog.Entry{}
	for rows.Next() {
		var e packetlog.Entry
		var received string
		if err := rows.Scan(&e.Seq, &e.Type, &e.Src, &e.Dst, &e.SrcNode, &e.DstNode,
			&e.Label, &e.Time, &e.Style, &received); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Received, err = time.Parse(time.RFC3339Nano, received)
		if err != nil {
			return nil, fmt.Errorf("parse received_at %q: %w", received, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Count returns the number of archived packets.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return n, nil
}

// Clear removes every archived packet.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM packets`); err != nil {
		return fmt.Errorf("clear packets: %w", err)
	}
	return nil
}
