// Package roster holds the membership records the index core
// collaborates with: users, drives and tags. It is plain record CRUD
// backed by an embedded SQLite database, plus a change-notification
// feed the VFS facade consumes to keep its root set reconciled with
// the drive roster.
package roster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// User is one account record. Deleted users keep their row so drive
// ownership stays resolvable, but no longer validate any drive.
type User struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Drive is one drive record. The drive's uuid doubles as the uuid of
// its indexed root node.
type Drive struct {
	UUID      string         `json:"uuid"`
	Type      data.DriveType `json:"type"`
	Owner     string         `json:"owner"`
	Writelist []string       `json:"writelist,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// Tag is one tag record; files reference tags by id.
type Tag struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Change announces that a record set mutated. Kind is one of "users",
// "drives" or "tags".
type Change struct {
	Kind string
}

// Store is the sqlite-backed record store.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	log  *log.Logger
	subs []chan Change
}

// Open opens (or creates) the store at dbPath, which may be
// ":memory:".
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			uuid     TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			deleted  INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS drives (
			uuid      TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			owner     TEXT NOT NULL,
			writelist TEXT,
			deleted   INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS tags (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			name    TEXT NOT NULL,
			color   TEXT,
			deleted INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()

	return s.db.Close()
}

// Subscribe returns a feed of change notifications. Slow consumers
// drop notifications rather than block mutations; the facade treats
// every notification as "re-reconcile everything" anyway.
func (s *Store) Subscribe() <-chan Change {
	ch := make(chan Change, 16)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	return ch
}

func (s *Store) notify(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("%s changed, notifying %d subscribers", kind, len(s.subs))
	for _, ch := range s.subs {
		select {
		case ch <- Change{Kind: kind}:
		default:
		}
	}
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", data.ErrInvalid)
	}

	u := &User{UUID: uuid.NewString(), Username: username}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uuid, username) VALUES (?, ?)`, u.UUID, u.Username)
	if err != nil {
		return nil, err
	}

	s.notify("users")
	return u, nil
}

// DeleteUser marks a user deleted. Drives owned by the user become
// invalid at the next reconciliation.
func (s *Store) DeleteUser(ctx context.Context, userUUID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deleted = 1 WHERE uuid = ? AND deleted = 0`, userUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", data.ErrNotFound, userUUID)
	}

	s.notify("users")
	return nil
}

func (s *Store) Users(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, username, deleted FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UUID, &u.Username, &u.Deleted); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *Store) User(ctx context.Context, userUUID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, username, deleted FROM users WHERE uuid = ?`, userUUID).
		Scan(&u.UUID, &u.Username, &u.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- drives ---

func (s *Store) CreateDrive(ctx context.Context, owner string, typ data.DriveType, writelist []string) (*Drive, error) {
	switch typ {
	case data.DrivePrivate, data.DrivePublic, data.DriveBackup:
	default:
		return nil, fmt.Errorf("%w: unknown drive type %q", data.ErrInvalid, typ)
	}

	d := &Drive{
		UUID:      uuid.NewString(),
		Type:      typ,
		Owner:     owner,
		Writelist: writelist,
	}

	raw, err := json.Marshal(writelist)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drives (uuid, type, owner, writelist) VALUES (?, ?, ?, ?)`,
		d.UUID, string(d.Type), d.Owner, string(raw))
	if err != nil {
		return nil, err
	}

	s.notify("drives")
	return d, nil
}

// UpdateWritelist replaces a public drive's writelist.
func (s *Store) UpdateWritelist(ctx context.Context, driveUUID string, writelist []string) error {
	raw, err := json.Marshal(writelist)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE drives SET writelist = ? WHERE uuid = ? AND deleted = 0`,
		string(raw), driveUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: drive %s", data.ErrNotFound, driveUUID)
	}

	s.notify("drives")
	return nil
}

// DeleteDrive marks a drive deleted; the facade removes its tree
// physically at the next reconciliation.
func (s *Store) DeleteDrive(ctx context.Context, driveUUID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drives SET deleted = 1 WHERE uuid = ? AND deleted = 0`, driveUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: drive %s", data.ErrNotFound, driveUUID)
	}

	s.notify("drives")
	return nil
}

func (s *Store) Drives(ctx context.Context) ([]*Drive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, type, owner, writelist, deleted FROM drives`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drives []*Drive
	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return nil, err
		}
		drives = append(drives, d)
	}
	return drives, rows.Err()
}

func (s *Store) Drive(ctx context.Context, driveUUID string) (*Drive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, type, owner, writelist, deleted FROM drives WHERE uuid = ?`, driveUUID)

	d, err := scanDrive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrive(row rowScanner) (*Drive, error) {
	var d Drive
	var typ string
	var raw sql.NullString

	if err := row.Scan(&d.UUID, &typ, &d.Owner, &raw, &d.Deleted); err != nil {
		return nil, err
	}

	d.Type = data.DriveType(typ)
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &d.Writelist); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// --- tags ---

func (s *Store) CreateTag(ctx context.Context, name, color string) (*Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty tag name", data.ErrInvalid)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (name, color) VALUES (?, ?)`, name, color)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	s.notify("tags")
	return &Tag{ID: int(id), Name: name, Color: color}, nil
}

func (s *Store) DeleteTag(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tags SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tag %d", data.ErrNotFound, id)
	}

	s.notify("tags")
	return nil
}

func (s *Store) Tags(ctx context.Context) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, deleted FROM tags WHERE deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var t Tag
		var color sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &color, &t.Deleted); err != nil {
			return nil, err
		}
		t.Color = color.String
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

func (s *Store) Tag(ctx context.Context, id int) (*Tag, error) {
	var t Tag
	var color sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, color, deleted FROM tags WHERE id = ? AND deleted = 0`, id).
		Scan(&t.ID, &t.Name, &color, &t.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Color = color.String
	return &t, nil
}
