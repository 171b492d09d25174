package provisioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineManifest(t *testing.T) {
	m, err := BaselineManifest()
	require.NoError(t, err)

	assert.Equal(t, "user", m.MarkerTable)

	var tables []string
	for _, tbl := range m.Tables {
		tables = append(tables, tbl.Name)
	}
	assert.ElementsMatch(t, []string{"user", "session", "account", "verification"}, tables)

	role, ok := m.Enum("user_role")
	require.True(t, ok)
	assert.Equal(t, []string{"admin", "manager", "member", "viewer"}, role.Values)
	require.Len(t, role.Backfills, 1)
	assert.Equal(t, EnumBackfill{Table: "user", Column: "role", From: "user", To: "member"}, role.Backfills[0])
}

func TestManifest_DDL(t *testing.T) {
	assert.Equal(t,
		`CREATE TYPE "user_role" AS ENUM ('admin', 'member')`,
		createEnumSQL(Enum{Name: "user_role", Values: []string{"admin", "member"}}))

	assert.Equal(t,
		`CREATE TABLE "user" ("id" text PRIMARY KEY, "role" "user_role" NOT NULL DEFAULT 'member')`,
		createTableSQL(Table{Name: "user", Columns: []Column{
			{Name: "id", Type: "text", PrimaryKey: true},
			{Name: "role", Type: "user_role", NotNull: true, Default: "'member'"},
		}}))

	assert.Equal(t,
		`CREATE UNIQUE INDEX "account_provider_key" ON "account" ("provider_id", "account_id")`,
		createIndexSQL(Index{Name: "account_provider_key", Table: "account", Columns: []string{"provider_id", "account_id"}, Unique: true}))

	assert.Equal(t,
		`ALTER TABLE "session" ADD CONSTRAINT "session_user_id_fkey" FOREIGN KEY ("user_id") REFERENCES "user" ("id") ON DELETE CASCADE`,
		addForeignKeySQL(ForeignKey{Name: "session_user_id_fkey", Table: "session", Column: "user_id", RefTable: "user", RefColumn: "id", OnDelete: "cascade"}))

	assert.Equal(t,
		`ALTER TABLE "user" ADD COLUMN "banned" boolean NOT NULL DEFAULT false`,
		addColumnSQL(Column{Table: "user", Name: "banned", Type: "boolean", NotNull: true, Default: "false"}))

	assert.Equal(t, `ALTER TYPE "user_role" ADD VALUE 'viewer'`, addEnumValueSQL("user_role", "viewer"))
	assert.Equal(t, `UPDATE "user" SET "role" = $1 WHERE "role" = $2`,
		backfillSQL(EnumBackfill{Table: "user", Column: "role", From: "user", To: "member"}))
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad table name",
			yaml: `
marker_table: "Users"
tables:
  - name: "Users"
    columns: [{ name: id, type: text }]
`,
		},
		{
			name: "unknown column type",
			yaml: `
marker_table: t
tables:
  - name: t
    columns: [{ name: id, type: "text; DROP TABLE x" }]
`,
		},
		{
			name: "unsafe default",
			yaml: `
marker_table: t
tables:
  - name: t
    columns: [{ name: id, type: text, default: "pg_sleep(10)" }]
`,
		},
		{
			name: "enum value with quote",
			yaml: `
marker_table: t
enums:
  - name: role
    values: ["it's"]
tables:
  - name: t
    columns: [{ name: id, type: text }]
`,
		},
		{
			name: "marker not declared",
			yaml: `
marker_table: missing
tables:
  - name: t
    columns: [{ name: id, type: text }]
`,
		},
		{
			name: "index on unknown column",
			yaml: `
marker_table: t
tables:
  - name: t
    columns: [{ name: id, type: text }]
indexes:
  - { name: t_x_idx, table: t, columns: [x] }
`,
		},
		{
			name: "incremental primary key",
			yaml: `
marker_table: t
tables:
  - name: t
    columns: [{ name: id, type: text }]
incremental_columns:
  - { table: t, name: other, type: text, primary_key: true }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
