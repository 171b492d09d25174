package sql

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testColumns = NewColumnSet("tenants", "id", "name", "slug", "city")

func TestColumnSet_Check(t *testing.T) {
	assert.NoError(t, testColumns.Check("name", "slug"))
	assert.Error(t, testColumns.Check("name", "database_url"))
	assert.Error(t, testColumns.Check("name; DROP TABLE tenants"))
	assert.Equal(t, []string{"id", "name", "slug", "city"}, testColumns.Columns())
}

func TestColumnSet_Search(t *testing.T) {
	pred, err := testColumns.Search("50%_off", "name", "slug")
	require.NoError(t, err)

	sql, args, err := Builder.Select("id").From("tenants").Where(pred).ToSql()
	require.NoError(t, err)

	assert.Equal(t, "SELECT id FROM tenants WHERE (name ILIKE $1 OR slug ILIKE $2)", sql)
	assert.Equal(t, []any{`%50\%\_off%`, `%50\%\_off%`}, args)
}

func TestColumnSet_Search_RejectsUnknownColumn(t *testing.T) {
	_, err := testColumns.Search("acme", "password_hash")
	assert.Error(t, err)
}

func TestColumnSet_Eq(t *testing.T) {
	pred, err := testColumns.Eq("city", "Lisbon")
	require.NoError(t, err)
	assert.Equal(t, sq.Eq{"city": "Lisbon"}, pred)

	_, err = testColumns.Eq("nope", 1)
	assert.Error(t, err)
}

func TestColumnSet_Assignments(t *testing.T) {
	set, err := testColumns.Assignments(map[string]any{"name": "Acme", "city": nil})
	require.NoError(t, err)

	sql, args, err := Builder.Update("tenants").SetMap(set).Where(sq.Eq{"id": 7}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE tenants SET city = $1, name = $2 WHERE id = $3", sql)
	assert.Equal(t, []any{nil, "Acme", 7}, args)

	_, err = testColumns.Assignments(map[string]any{"database_url": "x"})
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, EscapeLike(`a%b_c\d`))
}
