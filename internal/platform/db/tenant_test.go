package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows serves a fixed list of single-column string rows.
type fakeRows struct {
	values []string
	pos    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]interface{}, error)               { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	*(dest[0].(*string)) = r.values[r.pos-1]
	return nil
}

type fakeQuerier struct {
	schemas  []string
	queryErr error
	execs    []string
}

func (q *fakeQuerier) Query(_ context.Context, _ string, _ ...interface{}) (pgx.Rows, error) {
	if q.queryErr != nil {
		return nil, q.queryErr
	}
	return &fakeRows{values: q.schemas}, nil
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, sql)
	return pgconn.NewCommandTag("CREATE SCHEMA"), nil
}

func TestValidTenantID(t *testing.T) {
	valid := []string{"acme", "hospital_1", "ABC"}
	invalid := []string{"", "a-b", "a b", "a;drop", "tenant.x"}
	for _, id := range valid {
		if !ValidTenantID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if ValidTenantID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("expected tenant_acme, got %s", got)
	}
}

func TestCreateTenantSchema(t *testing.T) {
	q := &fakeQuerier{}
	if err := CreateTenantSchema(context.Background(), q, "acme", nil); err != nil {
		t.Fatalf("CreateTenantSchema failed: %v", err)
	}
	if len(q.execs) != 1 || !strings.Contains(q.execs[0], "CREATE SCHEMA IF NOT EXISTS tenant_acme") {
		t.Errorf("unexpected statements %v", q.execs)
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	q := &fakeQuerier{}
	for _, id := range []string{"", "bad-id", "x; DROP SCHEMA public"} {
		if err := CreateTenantSchema(context.Background(), q, id, nil); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
	if len(q.execs) != 0 {
		t.Error("invalid identifiers must not reach the database")
	}
}

func TestListTenants(t *testing.T) {
	q := &fakeQuerier{schemas: []string{"tenant_acme", "tenant_beta", "tenant_bad-name"}}
	tenants, err := ListTenants(context.Background(), q)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "beta" {
		t.Errorf("unexpected tenants %v", tenants)
	}
}

func TestListTenants_QueryError(t *testing.T) {
	q := &fakeQuerier{queryErr: errors.New("down")}
	if _, err := ListTenants(context.Background(), q); err == nil {
		t.Error("expected error")
	}
}
