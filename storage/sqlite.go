package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore is the durable Store implementation backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at dbPath and
// initializes the schema. An empty path defaults to "./data/dmcore.db".
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/dmcore.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSQLiteStore",
		"package":  "storage",
		"path":     dbPath,
	}).Debug("sqlite store opened")

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		peer TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS outbox (
		envelope_id TEXT PRIMARY KEY,
		peer TEXT NOT NULL,
		envelope BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt DATETIME,
		next_attempt DATETIME,
		state INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS seen_envelopes (
		sender TEXT NOT NULL,
		envelope_id TEXT NOT NULL,
		seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (sender, envelope_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		peer TEXT NOT NULL,
		envelope_id TEXT NOT NULL,
		direction INTEGER NOT NULL,
		body TEXT NOT NULL,
		reply_to TEXT DEFAULT '',
		media_refs TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL,
		delivered INTEGER DEFAULT 0,
		read INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON outbox(peer, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSession writes the session blob for a peer in a single statement, so
// the replacement is atomic.
func (s *SQLiteStore) SaveSession(peer string, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (peer, blob, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer) DO UPDATE SET blob = excluded.blob, updated_at = CURRENT_TIMESTAMP`,
		peer, blob)
	return err
}

// LoadSession returns the session blob for a peer.
func (s *SQLiteStore) LoadSession(peer string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM sessions WHERE peer = ?`, peer).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// DeleteSession removes the session blob for a peer.
func (s *SQLiteStore) DeleteSession(peer string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer = ?`, peer)
	return err
}

// SaveOutboxEntry inserts or updates an outbox entry.
func (s *SQLiteStore) SaveOutboxEntry(entry *OutboxEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO outbox (envelope_id, peer, envelope, created_at, retry_count, last_attempt, next_attempt, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(envelope_id) DO UPDATE SET
			retry_count = excluded.retry_count,
			last_attempt = excluded.last_attempt,
			next_attempt = excluded.next_attempt,
			state = excluded.state`,
		entry.EnvelopeID, entry.Peer, entry.Envelope, entry.CreatedAt,
		entry.RetryCount, timeOrNull(entry.LastAttempt), timeOrNull(entry.NextAttempt), uint8(entry.State))
	return err
}

// GetOutboxEntry returns one entry by envelope ID.
func (s *SQLiteStore) GetOutboxEntry(envelopeID string) (*OutboxEntry, error) {
	row := s.db.QueryRow(`
		SELECT envelope_id, peer, envelope, created_at, retry_count, last_attempt, next_attempt, state
		FROM outbox WHERE envelope_id = ?`, envelopeID)
	return scanOutboxEntry(row)
}

// DeleteOutboxEntry removes an entry by envelope ID.
func (s *SQLiteStore) DeleteOutboxEntry(envelopeID string) error {
	_, err := s.db.Exec(`DELETE FROM outbox WHERE envelope_id = ?`, envelopeID)
	return err
}

// ListOutbox returns a peer's entries oldest-first.
func (s *SQLiteStore) ListOutbox(peer string) ([]*OutboxEntry, error) {
	rows, err := s.db.Query(`
		SELECT envelope_id, peer, envelope, created_at, retry_count, last_attempt, next_attempt, state
		FROM outbox WHERE peer = ? ORDER BY created_at ASC`, peer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// OutboxPeers returns the peers with outstanding entries.
func (s *SQLiteStore) OutboxPeers() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT peer FROM outbox ORDER BY peer`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// MarkEnvelopeSeen records the pair, reporting whether it was new. The
// primary key makes check-and-insert atomic.
func (s *SQLiteStore) MarkEnvelopeSeen(sender, envelopeID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO seen_envelopes (sender, envelope_id) VALUES (?, ?)`,
		sender, envelopeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendMessage appends a conversation message and returns its sequence.
func (s *SQLiteStore) AppendMessage(m *Message) (int64, error) {
	refs, err := json.Marshal(m.MediaRefs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (peer, envelope_id, direction, body, reply_to, media_refs, created_at, delivered, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Peer, m.EnvelopeID, uint8(m.Direction), m.Body, m.ReplyTo, string(refs),
		m.CreatedAt, m.Delivered, m.Read)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMessages pages a peer's messages newest-first below beforeSeq.
func (s *SQLiteStore) ListMessages(peer string, beforeSeq int64, limit int) ([]*Message, error) {
	query := `
		SELECT seq, peer, envelope_id, direction, body, reply_to, media_refs, created_at, delivered, read
		FROM messages WHERE peer = ?`
	args := []interface{}{peer}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var direction uint8
		var refs string
		if err := rows.Scan(&m.Seq, &m.Peer, &m.EnvelopeID, &direction, &m.Body,
			&m.ReplyTo, &refs, &m.CreatedAt, &m.Delivered, &m.Read); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		if err := json.Unmarshal([]byte(refs), &m.MediaRefs); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkDelivered flags the outgoing message carrying envelopeID.
func (s *SQLiteStore) MarkDelivered(peer, envelopeID string) error {
	res, err := s.db.Exec(`
		UPDATE messages SET delivered = 1 WHERE peer = ? AND envelope_id = ? AND direction = ?`,
		peer, envelopeID, uint8(DirectionOutgoing))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead clears unread state for a peer.
func (s *SQLiteStore) MarkRead(peer string) error {
	_, err := s.db.Exec(`UPDATE messages SET read = 1 WHERE peer = ?`, peer)
	return err
}

// Conversations returns per-peer summaries, most recent first.
func (s *SQLiteStore) Conversations() ([]*ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT m.peer,
		       (SELECT body FROM messages WHERE peer = m.peer ORDER BY seq DESC LIMIT 1),
		       (SELECT created_at FROM messages WHERE peer = m.peer ORDER BY seq DESC LIMIT 1),
		       SUM(CASE WHEN m.direction = ? AND m.read = 0 THEN 1 ELSE 0 END),
		       COUNT(*)
		FROM messages m GROUP BY m.peer`, uint8(DirectionIncoming))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		if err := rows.Scan(&summary.Peer, &summary.LastPreview, &summary.LastAt,
			&summary.Unread, &summary.Total); err != nil {
			return nil, err
		}
		out = append(out, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Most recent conversation first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAt.After(out[j].LastAt)
	})
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var entry OutboxEntry
	var state uint8
	var lastAttempt, nextAttempt sql.NullTime
	err := row.Scan(&entry.EnvelopeID, &entry.Peer, &entry.Envelope, &entry.CreatedAt,
		&entry.RetryCount, &lastAttempt, &nextAttempt, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.State = DeliveryState(state)
	if lastAttempt.Valid {
		entry.LastAttempt = lastAttempt.Time
	}
	if nextAttempt.Valid {
		entry.NextAttempt = nextAttempt.Time
	}
	return &entry, nil
}

// timeOrNull converts a zero time to NULL for storage.
func timeOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
