package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/yourorg/stockfolio/internal/domain"
)

const _defaultSearchLimit = 50

type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query, a.ID, a.Username, a.Email, a.PasswordHash).
		Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %s: %w", a.Username, domain.ErrConflict)
	}
	return err
}

func (r *UserRepo) AccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.GetContext(ctx, &a, `SELECT * FROM users WHERE lower(username) = lower($1)`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", username, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *UserRepo) SearchAccounts(ctx context.Context, prefix string, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = _defaultSearchLimit
	}
	accounts := []domain.Account{}
	err := r.db.SelectContext(ctx, &accounts,
		`SELECT * FROM users WHERE username ILIKE $1 ORDER BY username LIMIT $2`,
		escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

var _likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return _likeEscaper.Replace(s)
}
