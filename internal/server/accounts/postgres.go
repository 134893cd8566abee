package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"handoff/internal/server/database"
)

// PostgresRepository stores accounts in Postgres.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a Repository backed by the given pool.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, account *Account) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO accounts (id, email, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		account.ID,
		account.Email,
		account.Role,
		account.PasswordHash,
		account.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	return r.scanOne(r.db.Pool.QueryRow(ctx, `
		SELECT id, email, role, password_hash, created_at
		FROM accounts WHERE id = $1
	`, id))
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(r.db.Pool.QueryRow(ctx, `
		SELECT id, email, role, password_hash, created_at
		FROM accounts WHERE email = $1
	`, email))
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, email, role, password_hash, created_at
		FROM accounts ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		if err := rows.Scan(&account.ID, &account.Email, &account.Role, &account.PasswordHash, &account.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *PostgresRepository) scanOne(row pgx.Row) (*Account, error) {
	account := &Account{}
	err := row.Scan(&account.ID, &account.Email, &account.Role, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}
