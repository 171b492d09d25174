// Package sql builds parameterized SQL from allow-listed identifiers.
package sql

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Builder is the statement builder for PostgreSQL ($n placeholders).
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ColumnSet is an allow-list of column names for one table. Only names from
// the set are ever written into SQL text; everything else is bound.
type ColumnSet struct {
	table   string
	columns map[string]struct{}
	order   []string
}

// NewColumnSet creates the allow-list. Column order is kept for Columns.
func NewColumnSet(table string, columns ...string) ColumnSet {
	set := ColumnSet{table: table, columns: make(map[string]struct{}, len(columns)), order: columns}
	for _, c := range columns {
		set.columns[c] = struct{}{}
	}
	return set
}

// Table returns the table name.
func (s ColumnSet) Table() string {
	return s.table
}

// Columns returns every allowed column in declaration order.
func (s ColumnSet) Columns() []string {
	return append([]string(nil), s.order...)
}

// Has reports whether column is allowed.
func (s ColumnSet) Has(column string) bool {
	_, ok := s.columns[column]
	return ok
}

// Check returns an error naming the first column not in the set.
func (s ColumnSet) Check(columns ...string) error {
	for _, c := range columns {
		if !s.Has(c) {
			return fmt.Errorf("column %q is not allowed on %s", c, s.table)
		}
	}
	return nil
}

// Eq builds an equality predicate on an allowed column.
func (s ColumnSet) Eq(column string, value any) (sq.Eq, error) {
	if err := s.Check(column); err != nil {
		return nil, err
	}
	return sq.Eq{column: value}, nil
}

// Search builds a case-insensitive substring match of term over columns.
// LIKE wildcards in term are escaped so they match literally.
func (s ColumnSet) Search(term string, columns ...string) (sq.Sqlizer, error) {
	if err := s.Check(columns...); err != nil {
		return nil, err
	}
	pattern := "%" + EscapeLike(term) + "%"
	or := make(sq.Or, 0, len(columns))
	for _, c := range columns {
		or = append(or, sq.ILike{c: pattern})
	}
	return or, nil
}

// Assignments checks every key of values and returns them as a squirrel SET map.
func (s ColumnSet) Assignments(values map[string]any) (map[string]any, error) {
	for c := range values {
		if err := s.Check(c); err != nil {
			return nil, err
		}
	}
	return values, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE metacharacters using the default backslash escape.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
