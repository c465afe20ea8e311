package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type roleStorePG struct{ pool *pgxpool.Pool }

// NewRoleStorePG reads actor roles from the actor_roles table.
func NewRoleStorePG(pool *pgxpool.Pool) RoleSource {
	return &roleStorePG{pool: pool}
}

func (s *roleStorePG) RolesFor(ctx context.Context, actor uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM actor_roles WHERE actor_id = $1 ORDER BY role`, actor)
	if err != nil {
		return nil, fmt.Errorf("query actor roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan actor role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
