package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"livesync/internal/models"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteConfig describes the embedded SQLite repository.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		Clock:       defaultClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock
	}
	return cfg
}

func (cfg SQLiteConfig) dsn() string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")
	return filepath.Clean(cfg.Path) + "?" + params.Encode()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS polls (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS polls_single_active ON polls (active) WHERE active = 1`,
	`CREATE TABLE IF NOT EXISTS poll_options (
	poll_id TEXT NOT NULL REFERENCES polls (id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	text TEXT NOT NULL,
	votes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (poll_id, id)
)`,
	`CREATE TABLE IF NOT EXISTS poll_votes (
	poll_id TEXT NOT NULL REFERENCES polls (id) ON DELETE CASCADE,
	voter TEXT NOT NULL,
	option_id TEXT NOT NULL,
	PRIMARY KEY (poll_id, voter)
)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	is_edited INTEGER NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_created_at ON chat_messages (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS preferences (
	account TEXT PRIMARY KEY,
	notifications INTEGER NOT NULL DEFAULT 1
)`,
}

type sqliteRepository struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens the SQLite database at path and applies the
// schema.
func NewSQLiteRepository(ctx context.Context, path string, opts ...Option) (Repository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(cfg.Path)), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, statement := range sqliteSchema {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &sqliteRepository{db: db, cfg: cfg}, nil
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteRepository) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRepository) ActivePoll(ctx context.Context) (models.Poll, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
SELECT id FROM polls
WHERE active = 1
ORDER BY created_at DESC, id DESC
LIMIT 1
`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("query active poll: %w", err)
	}
	return loadSQLitePoll(ctx, r.db, id)
}

func (r *sqliteRepository) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	return loadSQLitePoll(ctx, r.db, id)
}

func (r *sqliteRepository) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	created := poll.Clone()
	if created.ID == "" {
		created.ID = generateID()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = r.cfg.Clock()
	}
	created.Active = true

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Poll{}, fmt.Errorf("begin create poll: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE polls SET active = 0 WHERE active = 1`); err != nil {
		return models.Poll{}, fmt.Errorf("deactivate polls: %w", err)
	}
	if err := insertSQLitePoll(ctx, tx, created); err != nil {
		return models.Poll{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Poll{}, fmt.Errorf("commit create poll: %w", err)
	}
	return created, nil
}

func (r *sqliteRepository) AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Poll{}, fmt.Errorf("begin vote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
INSERT INTO poll_votes (poll_id, voter, option_id)
SELECT ?, ?, ?
WHERE EXISTS (SELECT 1 FROM poll_options WHERE poll_id = ? AND id = ?)
  AND EXISTS (SELECT 1 FROM polls WHERE id = ? AND active = 1)
ON CONFLICT (poll_id, voter) DO NOTHING
`, pollID, vote.User, vote.OptionID, pollID, vote.OptionID, pollID)
	if err != nil {
		return models.Poll{}, fmt.Errorf("append vote: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return models.Poll{}, fmt.Errorf("append vote: %w", err)
	}
	if inserted == 0 {
		_ = tx.Rollback()
		current, err := loadSQLitePoll(ctx, r.db, pollID)
		if err != nil {
			return models.Poll{}, err
		}
		switch {
		case !current.Active:
			return current, ErrPollClosed
		case !current.HasOption(vote.OptionID):
			return current, ErrUnknownOption
		}
		return current, ErrAlreadyVoted
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE poll_options SET votes = votes + 1 WHERE poll_id = ? AND id = ?
`, pollID, vote.OptionID); err != nil {
		return models.Poll{}, fmt.Errorf("increment vote count: %w", err)
	}
	updated, err := loadSQLitePoll(ctx, tx, pollID)
	if err != nil {
		return models.Poll{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Poll{}, fmt.Errorf("commit vote: %w", err)
	}
	return updated, nil
}

func (r *sqliteRepository) CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.cfg.Clock()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO chat_messages (id, username, text, created_at, is_edited, state, revision)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, msg.ID, msg.Username, msg.Text, toMillis(msg.Timestamp), msg.Edited, int(msg.State), msg.Revision)
	if err != nil {
		if isSQLiteConstraint(err) {
			return models.ChatMessage{}, fmt.Errorf("message %s already exists", msg.ID)
		}
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (r *sqliteRepository) GetMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, username, text, created_at, is_edited, state, revision
FROM chat_messages
WHERE id = ?
`, id)
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ChatMessage{}, ErrNotFound
		}
		return models.ChatMessage{}, fmt.Errorf("get chat message: %w", err)
	}
	return msg, nil
}

func (r *sqliteRepository) UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE chat_messages
SET text = ?, is_edited = ?, state = ?, revision = ?
WHERE id = ? AND revision = ?
`, msg.Text, msg.Edited, int(msg.State), msg.Revision, msg.ID, expectedRevision)
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.GetMessage(ctx, msg.ID); err != nil {
		return err
	}
	return ErrConflict
}

func (r *sqliteRepository) RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, username, text, created_at, is_edited, state, revision
FROM (
	SELECT * FROM chat_messages
	ORDER BY created_at DESC, id DESC
	LIMIT ?
)
ORDER BY created_at ASC, id ASC
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

func (r *sqliteRepository) GetPreferences(ctx context.Context, account string) (models.Preferences, error) {
	return r.UpdatePreferences(ctx, account, models.PreferencesPatch{})
}

func (r *sqliteRepository) UpdatePreferences(ctx context.Context, account string, patch models.PreferencesPatch) (models.Preferences, error) {
	var notifications any
	if patch.Notifications != nil {
		notifications = *patch.Notifications
	}
	var prefs models.Preferences
	err := r.db.QueryRowContext(ctx, `
INSERT INTO preferences (account, notifications)
VALUES (?1, COALESCE(?2, ?3))
ON CONFLICT (account) DO UPDATE
SET notifications = COALESCE(?2, preferences.notifications)
RETURNING notifications
`, account, notifications, models.DefaultPreferences().Notifications).Scan(&prefs.Notifications)
	if err != nil {
		return models.Preferences{}, fmt.Errorf("upsert preferences: %w", err)
	}
	return prefs, nil
}

func (r *sqliteRepository) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, poll := range snapshot.Polls {
		if poll.Active {
			if _, err := tx.ExecContext(ctx, `UPDATE polls SET active = 0 WHERE active = 1`); err != nil {
				return fmt.Errorf("deactivate polls: %w", err)
			}
			break
		}
	}
	for _, poll := range snapshot.Polls {
		if err := insertSQLitePoll(ctx, tx, poll); err != nil {
			return err
		}
		for _, vote := range poll.VotedBy {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO poll_votes (poll_id, voter, option_id) VALUES (?, ?, ?)
ON CONFLICT (poll_id, voter) DO NOTHING
`, poll.ID, vote.User, vote.OptionID); err != nil {
				return fmt.Errorf("import vote for poll %s: %w", poll.ID, err)
			}
		}
	}
	for _, msg := range snapshot.Messages {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, username, text, created_at, is_edited, state, revision)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET username = excluded.username, text = excluded.text,
	created_at = excluded.created_at, is_edited = excluded.is_edited,
	state = excluded.state, revision = excluded.revision
`, msg.ID, msg.Username, msg.Text, toMillis(msg.Timestamp), msg.Edited, int(msg.State), msg.Revision); err != nil {
			return fmt.Errorf("import message %s: %w", msg.ID, err)
		}
	}
	for account, prefs := range snapshot.Preferences {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO preferences (account, notifications) VALUES (?, ?)
ON CONFLICT (account) DO UPDATE SET notifications = excluded.notifications
`, account, prefs.Notifications); err != nil {
			return fmt.Errorf("import preferences for %s: %w", account, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func (r *sqliteRepository) SnapshotCounts(ctx context.Context) (SnapshotCounts, error) {
	var counts SnapshotCounts
	err := r.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM polls),
	(SELECT COUNT(*) FROM poll_votes),
	(SELECT COUNT(*) FROM chat_messages),
	(SELECT COUNT(*) FROM preferences)
`).Scan(&counts.Polls, &counts.Votes, &counts.Messages, &counts.Preferences)
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count sqlite records: %w", err)
	}
	return counts, nil
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLitePoll(ctx context.Context, q sqliteQuerier, id string) (models.Poll, error) {
	var (
		poll      models.Poll
		createdAt int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, question, active, created_at FROM polls WHERE id = ?
`, id).Scan(&poll.ID, &poll.Question, &poll.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("get poll: %w", err)
	}
	poll.CreatedAt = fromMillis(createdAt)

	optionRows, err := q.QueryContext(ctx, `
SELECT id, text, votes FROM poll_options WHERE poll_id = ? ORDER BY position ASC
`, id)
	if err != nil {
		return models.Poll{}, fmt.Errorf("list poll options: %w", err)
	}
	defer optionRows.Close()
	for optionRows.Next() {
		var option models.PollOption
		if err := optionRows.Scan(&option.ID, &option.Text, &option.Votes); err != nil {
			return models.Poll{}, fmt.Errorf("scan poll option: %w", err)
		}
		poll.Options = append(poll.Options, option)
	}
	if err := optionRows.Err(); err != nil {
		return models.Poll{}, fmt.Errorf("iterate poll options: %w", err)
	}

	voteRows, err := q.QueryContext(ctx, `
SELECT voter, option_id FROM poll_votes WHERE poll_id = ? ORDER BY rowid ASC
`, id)
	if err != nil {
		return models.Poll{}, fmt.Errorf("list poll votes: %w", err)
	}
	defer voteRows.Close()
	for voteRows.Next() {
		var vote models.Vote
		if err := voteRows.Scan(&vote.User, &vote.OptionID); err != nil {
			return models.Poll{}, fmt.Errorf("scan poll vote: %w", err)
		}
		poll.VotedBy = append(poll.VotedBy, vote)
	}
	if err := voteRows.Err(); err != nil {
		return models.Poll{}, fmt.Errorf("iterate poll votes: %w", err)
	}
	return poll.Clone(), nil
}

func insertSQLitePoll(ctx context.Context, tx *sql.Tx, poll models.Poll) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO polls (id, question, active, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET question = excluded.question, active = excluded.active
`, poll.ID, poll.Question, poll.Active, toMillis(poll.CreatedAt)); err != nil {
		return fmt.Errorf("insert poll %s: %w", poll.ID, err)
	}
	for position, option := range poll.Options {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO poll_options (poll_id, id, position, text, votes) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (poll_id, id) DO UPDATE SET text = excluded.text, votes = excluded.votes
`, poll.ID, option.ID, position, option.Text, option.Votes); err != nil {
			return fmt.Errorf("insert poll option %s/%s: %w", poll.ID, option.ID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (models.ChatMessage, error) {
	var (
		msg       models.ChatMessage
		createdAt int64
		state     int
	)
	if err := row.Scan(&msg.ID, &msg.Username, &msg.Text, &createdAt, &msg.Edited, &state, &msg.Revision); err != nil {
		return models.ChatMessage{}, err
	}
	msg.Timestamp = fromMillis(createdAt)
	msg.State = models.MessageState(state)
	return msg, nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
