// Package store implements the relay's durable username and follow-graph
// persistence: username registration, follower/following lookups, and
// the relay-side block list consulted by the ingress decision. Backed by
// an embedded SQLite database accessed through a single-writer goroutine so
// concurrent stream handlers never contend on sqlite's own write lock.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nodemesh/relay/internal/recovery"
)

//go:embed schema.sql
var schemaSQL string

var usernamePattern = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)

// ErrAlreadyTaken is returned by RegisterUsername when name is registered to
// a different (node_id, public_key) pair.
var ErrAlreadyTaken = errors.New("store: username already taken")

// ErrInvalidName is returned by RegisterUsername when name fails the
// case-insensitive [a-z0-9-]{1,32} rule shared with room names.
var ErrInvalidName = errors.New("store: invalid username")

// UsernameRecord is the relay's view of a registered username.
type UsernameRecord struct {
	Name      string
	NodeID    string
	PublicKey string
	CreatedAt time.Time
}

// FollowEntry describes one side of a follow edge, joined against the
// username table so callers get the peer's username when it has one.
type FollowEntry struct {
	NodeID    string
	PublicKey string
	Username  string // empty if the peer has not registered a username
	CreatedAt time.Time
}

// job is a closure queued onto the single writer goroutine.
type job struct {
	run  func(*sql.DB) error
	done chan error
}

// Store is the relay's username/follow/block persistence layer. All writes
// are funneled through a single consumer goroutine reading from writes; the
// underlying sqlite connection pool is capped at one connection so readers
// and the writer never race on the same file without sqlite's own locking
// getting involved.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	lock   *fileLock

	writes chan job
	done   chan struct{}
}

// Open opens (creating if necessary) the sqlite database at path, applies
// the embedded schema, and starts the write-serializing goroutine. An
// advisory lock on a sidecar file rejects a second process opening the
// same database at startup rather than at first write.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.release()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		lock.release()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		lock:   lock,
		writes: make(chan job, 256),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Close stops the writer goroutine and closes the underlying database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	err := s.db.Close()
	s.lock.release()
	return err
}

// writer is the single consumer of s.writes. Running all mutating
// statements on one goroutine means callers never need their own
// transaction retry logic around SQLITE_BUSY.
func (s *Store) writer() {
	defer recovery.RecoverWithLog(s.logger, "store.writer")
	defer close(s.done)

	for j := range s.writes {
		j.done <- j.run(s.db)
	}
}

// submit runs fn on the writer goroutine and blocks until it completes.
func (s *Store) submit(ctx context.Context, fn func(*sql.DB) error) error {
	j := job{run: fn, done: make(chan error, 1)}
	select {
	case s.writes <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeUsername lowercases name and validates it against the shared
// username/room-name rule: 1-32 characters of [a-z0-9-].
func normalizeUsername(name string) (string, bool) {
	lower := strings.ToLower(name)
	return lower, usernamePattern.MatchString(lower)
}

// RegisterUsername claims name for (nodeID, publicKeyB64). Idempotent when
// the existing record already matches (name, node_id, public_key) exactly.
func (s *Store) RegisterUsername(ctx context.Context, name, nodeID, publicKeyB64 string, now time.Time) error {
	lower, valid := normalizeUsername(name)
	if !valid {
		return ErrInvalidName
	}

	return s.submit(ctx, func(db *sql.DB) error {
		var existingNode, existingPub string
		err := db.QueryRowContext(ctx,
			`SELECT node_id, public_key FROM usernames WHERE name = ?`, lower,
		).Scan(&existingNode, &existingPub)

		switch {
		case err == sql.ErrNoRows:
			_, err := db.ExecContext(ctx,
				`INSERT INTO usernames (name, node_id, public_key, created_at) VALUES (?, ?, ?, ?)`,
				lower, nodeID, publicKeyB64, now.Unix())
			return err
		case err != nil:
			return err
		case existingNode == nodeID && existingPub == publicKeyB64:
			return nil
		default:
			return ErrAlreadyTaken
		}
	})
}

// LookupUsername returns name's registration, or (nil, nil) if unregistered.
func (s *Store) LookupUsername(ctx context.Context, name string) (*UsernameRecord, error) {
	lower := strings.ToLower(name)

	row := s.db.QueryRowContext(ctx,
		`SELECT name, node_id, public_key, created_at FROM usernames WHERE name = ?`, lower)

	var rec UsernameRecord
	var createdAt int64
	err := row.Scan(&rec.Name, &rec.NodeID, &rec.PublicKey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

// PublicKeyForNode returns the public key nodeID registered a username
// with, or "" if nodeID has no username record.
func (s *Store) PublicKeyForNode(ctx context.Context, nodeID string) (string, error) {
	var pub string
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key FROM usernames WHERE node_id = ? LIMIT 1`, nodeID,
	).Scan(&pub)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return pub, nil
}

// NotifyFollow records that follower follows followed. Idempotent.
func (s *Store) NotifyFollow(ctx context.Context, follower, followed string, now time.Time) error {
	return s.submit(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO follows (follower, followed, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(follower, followed) DO NOTHING`,
			follower, followed, now.Unix())
		return err
	})
}

// NotifyUnfollow removes the follower -> followed edge, if present. Idempotent.
func (s *Store) NotifyUnfollow(ctx context.Context, follower, followed string) error {
	return s.submit(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM follows WHERE follower = ? AND followed = ?`, follower, followed)
		return err
	})
}

// GetFollowers returns everyone following nodeID, joined against usernames.
func (s *Store) GetFollowers(ctx context.Context, nodeID string) ([]FollowEntry, error) {
	return s.queryFollowEdge(ctx,
		`SELECT f.follower, f.created_at, u.name, u.public_key
		 FROM follows f LEFT JOIN usernames u ON u.node_id = f.follower
		 WHERE f.followed = ?`, nodeID)
}

// GetFollowing returns everyone nodeID follows, joined against usernames.
func (s *Store) GetFollowing(ctx context.Context, nodeID string) ([]FollowEntry, error) {
	return s.queryFollowEdge(ctx,
		`SELECT f.followed, f.created_at, u.name, u.public_key
		 FROM follows f LEFT JOIN usernames u ON u.node_id = f.followed
		 WHERE f.follower = ?`, nodeID)
}

func (s *Store) queryFollowEdge(ctx context.Context, query, nodeID string) ([]FollowEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowEntry
	for rows.Next() {
		var e FollowEntry
		var createdAt int64
		var username, pub sql.NullString
		if err := rows.Scan(&e.NodeID, &createdAt, &username, &pub); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.Username = username.String
		e.PublicKey = pub.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Block records that blockedBy has blocked blockedNode. Idempotent.
func (s *Store) Block(ctx context.Context, blockedBy, blockedNode string, now time.Time) error {
	return s.submit(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO blocks (blocked_by, blocked_node, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(blocked_by, blocked_node) DO NOTHING`,
			blockedBy, blockedNode, now.Unix())
		return err
	})
}

// Unblock removes a block edge, if present. Idempotent.
func (s *Store) Unblock(ctx context.Context, blockedBy, blockedNode string) error {
	return s.submit(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM blocks WHERE blocked_by = ? AND blocked_node = ?`, blockedBy, blockedNode)
		return err
	})
}

// IsBlocked reports whether blockedBy has blocked blockedNode.
func (s *Store) IsBlocked(ctx context.Context, blockedBy, blockedNode string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE blocked_by = ? AND blocked_node = ?`, blockedBy, blockedNode,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
