package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS polls (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS polls_single_active ON polls ((active)) WHERE active`,
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
	seq BIGSERIAL,
	PRIMARY KEY (poll_id, voter)
)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	is_edited BOOLEAN NOT NULL DEFAULT FALSE,
	state SMALLINT NOT NULL DEFAULT 0,
	revision BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_created_at ON chat_messages (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS preferences (
	account TEXT PRIMARY KEY,
	notifications BOOLEAN NOT NULL DEFAULT TRUE
)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, statement := range postgresSchema {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	for _, poll := range snapshot.Polls {
		if poll.Active {
			if _, err := tx.Exec(ctx, `UPDATE polls SET active = FALSE WHERE active`); err != nil {
				return fmt.Errorf("deactivate polls: %w", err)
			}
			break
		}
	}
	for _, poll := range snapshot.Polls {
		if err := insertPostgresPoll(ctx, tx, poll); err != nil {
			return err
		}
		for _, vote := range poll.VotedBy {
			if _, err := tx.Exec(ctx, `
INSERT INTO poll_votes (poll_id, voter, option_id)
VALUES ($1, $2, $3)
ON CONFLICT (poll_id, voter) DO NOTHING
`, poll.ID, vote.User, vote.OptionID); err != nil {
				return fmt.Errorf("import vote for poll %s: %w", poll.ID, err)
			}
		}
	}
	for _, msg := range snapshot.Messages {
		if _, err := tx.Exec(ctx, `
INSERT INTO chat_messages (id, username, text, created_at, is_edited, state, revision)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, text = EXCLUDED.text,
	created_at = EXCLUDED.created_at, is_edited = EXCLUDED.is_edited,
	state = EXCLUDED.state, revision = EXCLUDED.revision
`, msg.ID, msg.Username, msg.Text, msg.Timestamp.UTC(), msg.Edited, int(msg.State), msg.Revision); err != nil {
			return fmt.Errorf("import message %s: %w", msg.ID, err)
		}
	}
	for account, prefs := range snapshot.Preferences {
		if _, err := tx.Exec(ctx, `
INSERT INTO preferences (account, notifications)
VALUES ($1, $2)
ON CONFLICT (account) DO UPDATE SET notifications = EXCLUDED.notifications
`, account, prefs.Notifications); err != nil {
			return fmt.Errorf("import preferences for %s: %w", account, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func (r *postgresRepository) SnapshotCounts(ctx context.Context) (SnapshotCounts, error) {
	var counts SnapshotCounts
	err := r.pool.QueryRow(ctx, `
SELECT
	(SELECT COUNT(*) FROM polls),
	(SELECT COUNT(*) FROM poll_votes),
	(SELECT COUNT(*) FROM chat_messages),
	(SELECT COUNT(*) FROM preferences)
`).Scan(&counts.Polls, &counts.Votes, &counts.Messages, &counts.Preferences)
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count postgres records: %w", err)
	}
	return counts, nil
}
