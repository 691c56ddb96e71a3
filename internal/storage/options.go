package storage

import (
	"strings"
	"time"
)

// Option configures one or more repository drivers. Drivers ignore options
// that do not apply to them.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
	applyMongo(*MongoConfig)
}

type optionAdapter struct {
	json   func(*Storage)
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
	mongo  func(*MongoConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyMongo(cfg *MongoConfig) {
	if o.mongo != nil && cfg != nil {
		o.mongo(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func mongoOnlyOption(mongo func(*MongoConfig)) Option {
	return optionAdapter{mongo: mongo}
}

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// WithClock overrides the time source used to stamp new polls and messages.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	clock := func() time.Time { return now().UTC().Truncate(time.Millisecond) }
	return optionAdapter{
		json:   func(s *Storage) { s.now = clock },
		pg:     func(cfg *PostgresConfig) { cfg.Clock = clock },
		sqlite: func(cfg *SQLiteConfig) { cfg.Clock = clock },
		mongo:  func(cfg *MongoConfig) { cfg.Clock = clock },
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long opening a new pooled connection
// may take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithSQLiteBusyTimeout sets how long a writer waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}

func WithMongoDatabase(name string) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.Database = trimmed
		}
	})
}

// WithMongoTimeouts configures the connect and server selection deadlines.
func WithMongoTimeouts(connect, serverSelection time.Duration) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if connect > 0 {
			cfg.ConnectTimeout = connect
		}
		if serverSelection > 0 {
			cfg.ServerSelectionTimeout = serverSelection
		}
	})
}

func WithMongoPoolSize(maxPool uint64) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if maxPool > 0 {
			cfg.MaxPoolSize = maxPool
		}
	})
}
