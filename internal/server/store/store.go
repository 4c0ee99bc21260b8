// Package store is the server's authoritative task queue and inventory
// database, kept in SQLite through gorm.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wingetdash/fleet/internal/logging"
)

var log = logging.L("store")

// DefaultStaleAfter is how long a claimed task may go without a result
// before it is offered again.
const DefaultStaleAfter = 15 * time.Minute

type Options struct {
	Path       string
	StaleAfter time.Duration
	// Now overrides the clock; tests use it to age claims.
	Now func() time.Time
}

type Store struct {
	db         *gorm.DB
	staleAfter time.Duration
	clock      func() time.Time
}

// Open opens (creating if needed) the database at opts.Path and migrates it.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidArgument)
	}
	s := &Store{
		staleAfter: opts.StaleAfter,
		clock:      opts.Now,
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	gormLogger := logger.New(&slogWriter{}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	dsn := opts.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: s.now,
	})
	if err != nil {
		return nil, wrap("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrap("open database", err)
	}
	// SQLite allows a single writer; one connection serializes transactions
	// instead of failing them with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	s.db = db
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info("database ready", "path", opts.Path)
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return wrap("migrate", s.db.AutoMigrate(allModels()...))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("close database", err)
	}
	return wrap("close database", sqlDB.Close())
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.PingContext(ctx))
}

// now is always UTC so stored timestamps compare as text.
func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// slogWriter routes gorm's logger into slog.
type slogWriter struct{}

func (w *slogWriter) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "slow sql"):
		log.Warn("slow query", "details", msg)
	case strings.Contains(lower, "error"):
		log.Error("database error", "details", msg)
	default:
		log.Debug("database", "details", msg)
	}
}
