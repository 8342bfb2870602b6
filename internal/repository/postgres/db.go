package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func Connect(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: can't open db", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: can't ping db", err)
	}
	return db, nil
}

// Migrate applies steps migrations from migrationsPath, or all pending ones
// when steps is zero. Negative steps roll back.
func Migrate(cfg *Config, migrationsPath string, steps int) error {
	m, err := migrate.New("file://"+migrationsPath, cfg.URL())
	if err != nil {
		return fmt.Errorf("%w: can't init migrations", err)
	}
	defer m.Close()

	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: can't apply migrations", err)
	}
	return nil
}

func RunMigrations(cfg *Config, migrationsPath string) error {
	return Migrate(cfg, migrationsPath, 0)
}

const _uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == _uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == _uniqueViolation
	}
	return false
}
