package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SchemaPrefix prefixes every tenant schema name.
const SchemaPrefix = "tenant_"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Querier is the subset of pgxpool.Pool, pgxpool.Conn and pgx.Tx used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ValidTenantID reports whether id can be used to build a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaName returns the schema holding the tables of tenant id.
func SchemaName(id string) string {
	return SchemaPrefix + id
}

// CreateTenantSchema creates the schema for a tenant and, when migrator is
// non-nil, applies all migrations to it.
func CreateTenantSchema(ctx context.Context, q Querier, tenantID string, migrator *Migrator) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)
	if _, err := q.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

// ListTenants returns the identifiers of all tenant schemas, sorted.
func ListTenants(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan tenant schema: %w", err)
		}
		id := strings.TrimPrefix(schema, SchemaPrefix)
		if ValidTenantID(id) {
			tenants = append(tenants, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant schemas: %w", err)
	}
	return tenants, nil
}
