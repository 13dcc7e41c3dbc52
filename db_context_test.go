package outbox

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithTableName(t *testing.T) {
	t.Run("uses default table name when no option provided", func(t *testing.T) {
		dbCtx := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres)

		if dbCtx.tableName != "outbox" {
			t.Errorf("expected default table name 'outbox', got %q", dbCtx.tableName)
		}
	})

	t.Run("uses custom table name", func(t *testing.T) {
		customTable := "custom_events"

		dbCtx := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithTableName(customTable))

		if dbCtx.tableName != customTable {
			t.Errorf("expected table name %q, got %q", customTable, dbCtx.tableName)
		}
	})
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		wantErr   bool
	}{
		{name: "valid table name with letters", tableName: "outbox"},
		{name: "valid table name with underscore", tableName: "outbox_table"},
		{name: "valid table name starting with underscore", tableName: "_outbox"},
		{name: "valid table name with digits", tableName: "outbox2"},
		{name: "empty table name", tableName: "", wantErr: true},
		{name: "table name with spaces", tableName: "out box", wantErr: true},
		{name: "table name with injection attempt", tableName: "outbox; DROP TABLE users", wantErr: true},
		{name: "table name starting with digit", tableName: "2outbox", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTableName(tt.tableName)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for table name %q", tt.tableName)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error for table name %q, got: %v", tt.tableName, err)
			}
		})
	}
}

func TestGetSQLPlaceholder(t *testing.T) {
	tests := []struct {
		dialect  SQLDialect
		index    int
		expected string
	}{
		{SQLDialectPostgres, 1, "$1"},
		{SQLDialectPostgres, 3, "$3"},
		{SQLDialectOracle, 2, ":2"},
		{SQLDialectSQLServer, 2, "@p2"},
		{SQLDialectMySQL, 1, "?"},
		{SQLDialectMariaDB, 4, "?"},
		{SQLDialectSQLite, 1, "?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			dbCtx := NewDBContextWithDB(&fakeDB{}, tt.dialect)
			if got := dbCtx.getSQLPlaceholder(tt.index); got != tt.expected {
				t.Errorf("placeholder %d for %s = %q, want %q", tt.index, tt.dialect, got, tt.expected)
			}
		})
	}
}

func TestFormatRecordIDForDB(t *testing.T) {
	id := uuid.New()

	t.Run("native uuid dialects", func(t *testing.T) {
		for _, dialect := range []SQLDialect{SQLDialectPostgres, SQLDialectMariaDB} {
			dbCtx := NewDBContextWithDB(&fakeDB{}, dialect)
			if got := dbCtx.formatRecordIDForDB(id); got != id {
				t.Errorf("%s: expected native uuid, got %T", dialect, got)
			}
		}
	})

	t.Run("binary dialects", func(t *testing.T) {
		for _, dialect := range []SQLDialect{SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer} {
			dbCtx := NewDBContextWithDB(&fakeDB{}, dialect)
			got, ok := dbCtx.formatRecordIDForDB(id).([]byte)
			if !ok {
				t.Fatalf("%s: expected []byte id", dialect)
			}
			if len(got) != 16 {
				t.Errorf("%s: expected 16 byte id, got %d bytes", dialect, len(got))
			}
		}
	})

	t.Run("fallback dialects use string", func(t *testing.T) {
		dbCtx := NewDBContextWithDB(&fakeDB{}, SQLDialectSQLite)
		if got := dbCtx.formatRecordIDForDB(id); got != id.String() {
			t.Errorf("sqlite: expected string id, got %v", got)
		}
	})
}

func TestClaimCandidatesQueryPerDialect(t *testing.T) {
	tests := []struct {
		dialect      SQLDialect
		mustContain  []string
		mustNotMatch []string
	}{
		{
			dialect:     SQLDialectPostgres,
			mustContain: []string{"FOR UPDATE SKIP LOCKED", "ORDER BY created_at ASC, id ASC", "LIMIT $2"},
		},
		{
			dialect:     SQLDialectMySQL,
			mustContain: []string{"FOR UPDATE SKIP LOCKED", "LIMIT ?"},
		},
		{
			dialect:      SQLDialectOracle,
			mustContain:  []string{"FETCH FIRST :2 ROWS ONLY", "ORDER BY created_at ASC, id ASC"},
			mustNotMatch: []string{"FOR UPDATE"},
		},
		{
			dialect:     SQLDialectSQLServer,
			mustContain: []string{"WITH (UPDLOCK, READPAST)", "TOP (@p2)"},
		},
		{
			dialect:      SQLDialectSQLite,
			mustContain:  []string{"LIMIT ?"},
			mustNotMatch: []string{"SKIP LOCKED"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			store := &sqlStore{dbCtx: NewDBContextWithDB(&fakeDB{}, tt.dialect)}
			query := store.buildClaimCandidatesQuery()

			for _, fragment := range tt.mustContain {
				if !strings.Contains(query, fragment) {
					t.Errorf("expected query to contain %q, got:\n%s", fragment, query)
				}
			}
			for _, fragment := range tt.mustNotMatch {
				if strings.Contains(query, fragment) {
					t.Errorf("expected query not to contain %q, got:\n%s", fragment, query)
				}
			}
			if !strings.Contains(query, "claimed_until IS NULL OR claimed_until <") {
				t.Errorf("expected lease predicate in query, got:\n%s", query)
			}
		})
	}
}
