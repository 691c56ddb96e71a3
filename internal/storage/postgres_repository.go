package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"livesync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pgx pool against dsn and applies the schema.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) ActivePoll(ctx context.Context) (models.Poll, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
SELECT id FROM polls
WHERE active
ORDER BY created_at DESC, id DESC
LIMIT 1
`).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("query active poll: %w", err)
	}
	return loadPostgresPoll(ctx, r.pool, id)
}

func (r *postgresRepository) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	return loadPostgresPoll(ctx, r.pool, id)
}

func (r *postgresRepository) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	created := poll.Clone()
	if created.ID == "" {
		created.ID = generateID()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = r.cfg.Clock()
	}
	created.Active = true

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Poll{}, fmt.Errorf("begin create poll: %w", err)
	}
	defer rollbackTx(ctx, tx)

	// Serialises concurrent creators; vote writes do not touch polls.
	if _, err := tx.Exec(ctx, `LOCK TABLE polls IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return models.Poll{}, fmt.Errorf("lock polls: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE polls SET active = FALSE WHERE active`); err != nil {
		return models.Poll{}, fmt.Errorf("deactivate polls: %w", err)
	}
	if err := insertPostgresPoll(ctx, tx, created); err != nil {
		return models.Poll{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Poll{}, fmt.Errorf("commit create poll: %w", err)
	}
	return created, nil
}

func (r *postgresRepository) AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Poll{}, fmt.Errorf("begin vote: %w", err)
	}
	defer rollbackTx(ctx, tx)

	// FOR SHARE orders the vote against a concurrent deactivation.
	var active bool
	if err := tx.QueryRow(ctx, `
SELECT active FROM polls WHERE id = $1 FOR SHARE
`, pollID).Scan(&active); err != nil {
		if isNoRows(err) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("lock poll: %w", err)
	}
	if !active {
		current, err := loadPostgresPoll(ctx, tx, pollID)
		if err != nil {
			return models.Poll{}, err
		}
		return current, ErrPollClosed
	}

	var optionExists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM poll_options WHERE poll_id = $1 AND id = $2)
`, pollID, vote.OptionID).Scan(&optionExists); err != nil {
		return models.Poll{}, fmt.Errorf("check poll option: %w", err)
	}
	if !optionExists {
		current, err := loadPostgresPoll(ctx, tx, pollID)
		if err != nil {
			return models.Poll{}, err
		}
		return current, ErrUnknownOption
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO poll_votes (poll_id, voter, option_id)
VALUES ($1, $2, $3)
ON CONFLICT (poll_id, voter) DO NOTHING
`, pollID, vote.User, vote.OptionID)
	if err != nil {
		return models.Poll{}, fmt.Errorf("append vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rollbackTx(ctx, tx)
		current, err := loadPostgresPoll(ctx, r.pool, pollID)
		if err != nil {
			return models.Poll{}, err
		}
		return current, ErrAlreadyVoted
	}
	if _, err := tx.Exec(ctx, `
UPDATE poll_options SET votes = votes + 1 WHERE poll_id = $1 AND id = $2
`, pollID, vote.OptionID); err != nil {
		return models.Poll{}, fmt.Errorf("increment vote count: %w", err)
	}
	updated, err := loadPostgresPoll(ctx, tx, pollID)
	if err != nil {
		return models.Poll{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Poll{}, fmt.Errorf("commit vote: %w", err)
	}
	return updated, nil
}

func (r *postgresRepository) CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.cfg.Clock()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO chat_messages (id, username, text, created_at, is_edited, state, revision)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, msg.ID, msg.Username, msg.Text, msg.Timestamp.UTC(), msg.Edited, int(msg.State), msg.Revision)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (r *postgresRepository) GetMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, username, text, created_at, is_edited, state, revision
FROM chat_messages
WHERE id = $1
`, id)
	msg, err := scanPostgresMessage(row)
	if err != nil {
		if isNoRows(err) {
			return models.ChatMessage{}, ErrNotFound
		}
		return models.ChatMessage{}, fmt.Errorf("get chat message: %w", err)
	}
	return msg, nil
}

func (r *postgresRepository) UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE chat_messages
SET text = $2, is_edited = $3, state = $4, revision = $5
WHERE id = $1 AND revision = $6
`, msg.ID, msg.Text, msg.Edited, int(msg.State), msg.Revision, expectedRevision)
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetMessage(ctx, msg.ID); err != nil {
		return err
	}
	return ErrConflict
}

func (r *postgresRepository) RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, username, text, created_at, is_edited, state, revision
FROM (
	SELECT * FROM chat_messages
	ORDER BY created_at DESC, id DESC
	LIMIT $1
) recent
ORDER BY created_at ASC, id ASC
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
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

func (r *postgresRepository) GetPreferences(ctx context.Context, account string) (models.Preferences, error) {
	return r.UpdatePreferences(ctx, account, models.PreferencesPatch{})
}

func (r *postgresRepository) UpdatePreferences(ctx context.Context, account string, patch models.PreferencesPatch) (models.Preferences, error) {
	defaults := models.DefaultPreferences()
	var prefs models.Preferences
	err := r.pool.QueryRow(ctx, `
INSERT INTO preferences (account, notifications)
VALUES ($1, COALESCE($2::boolean, $3))
ON CONFLICT (account) DO UPDATE
SET notifications = COALESCE($2::boolean, preferences.notifications)
RETURNING notifications
`, account, patch.Notifications, defaults.Notifications).Scan(&prefs.Notifications)
	if err != nil {
		return models.Preferences{}, fmt.Errorf("upsert preferences: %w", err)
	}
	return prefs, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPostgresPoll(ctx context.Context, q pgQuerier, id string) (models.Poll, error) {
	var poll models.Poll
	err := q.QueryRow(ctx, `
SELECT id, question, active, created_at FROM polls WHERE id = $1
`, id).Scan(&poll.ID, &poll.Question, &poll.Active, &poll.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("get poll: %w", err)
	}
	poll.CreatedAt = poll.CreatedAt.UTC()

	optionRows, err := q.Query(ctx, `
SELECT id, text, votes FROM poll_options WHERE poll_id = $1 ORDER BY position ASC
`, id)
	if err != nil {
		return models.Poll{}, fmt.Errorf("list poll options: %w", err)
	}
	poll.Options, err = pgx.CollectRows(optionRows, func(row pgx.CollectableRow) (models.PollOption, error) {
		var option models.PollOption
		err := row.Scan(&option.ID, &option.Text, &option.Votes)
		return option, err
	})
	if err != nil {
		return models.Poll{}, fmt.Errorf("scan poll options: %w", err)
	}

	voteRows, err := q.Query(ctx, `
SELECT voter, option_id FROM poll_votes WHERE poll_id = $1 ORDER BY seq ASC
`, id)
	if err != nil {
		return models.Poll{}, fmt.Errorf("list poll votes: %w", err)
	}
	poll.VotedBy, err = pgx.CollectRows(voteRows, func(row pgx.CollectableRow) (models.Vote, error) {
		var vote models.Vote
		err := row.Scan(&vote.User, &vote.OptionID)
		return vote, err
	})
	if err != nil {
		return models.Poll{}, fmt.Errorf("scan poll votes: %w", err)
	}
	return poll.Clone(), nil
}

func insertPostgresPoll(ctx context.Context, tx pgx.Tx, poll models.Poll) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO polls (id, question, active, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET question = EXCLUDED.question, active = EXCLUDED.active
`, poll.ID, poll.Question, poll.Active, poll.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert poll %s: %w", poll.ID, err)
	}
	for position, option := range poll.Options {
		if _, err := tx.Exec(ctx, `
INSERT INTO poll_options (poll_id, id, position, text, votes)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (poll_id, id) DO UPDATE SET text = EXCLUDED.text, votes = EXCLUDED.votes
`, poll.ID, option.ID, position, option.Text, option.Votes); err != nil {
			return fmt.Errorf("insert poll option %s/%s: %w", poll.ID, option.ID, err)
		}
	}
	return nil
}

func scanPostgresMessage(row pgx.Row) (models.ChatMessage, error) {
	var (
		msg   models.ChatMessage
		state int16
	)
	if err := row.Scan(&msg.ID, &msg.Username, &msg.Text, &msg.Timestamp, &msg.Edited, &state, &msg.Revision); err != nil {
		return models.ChatMessage{}, err
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.State = models.MessageState(state)
	return msg, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
