package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateOperator inserts a new account. A taken username is reported as
// ErrUniqueViolation.
func (s *PostgresStore) CreateOperator(ctx context.Context, operator Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, username, display_name, password_hash, roles, is_disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, operator.ID, operator.Username, operator.DisplayName, operator.PasswordHash,
		strings.Join(operator.Roles, ","), operator.IsDisabled)
	if err != nil {
		return fmt.Errorf("create operator: %w", classify(err))
	}
	return nil
}

// GetOperatorByUsername matches usernames case-insensitively.
func (s *PostgresStore) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	var (
		item  Operator
		roles string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, roles, is_disabled, created_at
		FROM operators
		WHERE lower(username)=lower($1)
	`, username).Scan(&item.ID, &item.Username, &item.DisplayName, &item.PasswordHash, &roles, &item.IsDisabled, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Operator{}, err
		}
		return Operator{}, fmt.Errorf("get operator: %w", err)
	}
	item.Roles = splitRoles(roles)
	return item, nil
}

func (s *PostgresStore) UpdateOperatorPassword(ctx context.Context, operatorID uuid.UUID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE operators SET password_hash=$2 WHERE id=$1`, operatorID, passwordHash)
	if err != nil {
		return fmt.Errorf("update operator password: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operator password rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func splitRoles(value string) []string {
	roles := []string{}
	for _, role := range strings.Split(value, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
