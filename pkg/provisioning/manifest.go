package provisioning

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var baselineSchema []byte

// Manifest declares the tenant database schema.
type Manifest struct {
	MarkerTable        string       `yaml:"marker_table"`
	Enums              []Enum       `yaml:"enums"`
	Tables             []Table      `yaml:"tables"`
	Indexes            []Index      `yaml:"indexes"`
	ForeignKeys        []ForeignKey `yaml:"foreign_keys"`
	IncrementalColumns []Column     `yaml:"incremental_columns"`
}

type Enum struct {
	Name      string         `yaml:"name"`
	Values    []string       `yaml:"values"`
	Backfills []EnumBackfill `yaml:"backfills"`
}

// EnumBackfill rewrites rows still tagged with a deprecated enum value.
type EnumBackfill struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	From   string `yaml:"from"`
	To     string `yaml:"to"`
}

type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

type Column struct {
	Table      string `yaml:"table"` // incremental columns only
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key"`
	NotNull    bool   `yaml:"not_null"`
	Default    string `yaml:"default"`
}

type Index struct {
	Name    string   `yaml:"name"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

type ForeignKey struct {
	Name      string `yaml:"name"`
	Table     string `yaml:"table"`
	Column    string `yaml:"column"`
	RefTable  string `yaml:"ref_table"`
	RefColumn string `yaml:"ref_column"`
	OnDelete  string `yaml:"on_delete"`
}

var (
	allowedColumnTypes = map[string]bool{
		"text":        true,
		"boolean":     true,
		"integer":     true,
		"bigint":      true,
		"uuid":        true,
		"jsonb":       true,
		"timestamptz": true,
	}
	allowedOnDelete = map[string]string{
		"":         "",
		"cascade":  " ON DELETE CASCADE",
		"set_null": " ON DELETE SET NULL",
		"restrict": " ON DELETE RESTRICT",
	}
	defaultPattern = regexp.MustCompile(`^(now\(\)|true|false|-?[0-9]+|'[a-z0-9_]*')$`)
)

// BaselineManifest parses the embedded tenant schema.
func BaselineManifest() (*Manifest, error) {
	return ParseManifest(baselineSchema)
}

// ParseManifest decodes and validates a schema manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse schema manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every identifier, type and default in the manifest before
// any DDL is built from it.
func (m *Manifest) Validate() error {
	ident := func(kind, s string) error {
		if !IsValidIdentifier(s) {
			return fmt.Errorf("schema manifest: invalid %s name %q", kind, s)
		}
		return nil
	}

	enums := make(map[string]bool, len(m.Enums))
	for _, e := range m.Enums {
		if err := ident("enum", e.Name); err != nil {
			return err
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("schema manifest: enum %q has no values", e.Name)
		}
		for _, v := range e.Values {
			if err := ident("enum value", v); err != nil {
				return err
			}
		}
		for _, b := range e.Backfills {
			for _, s := range []string{b.Table, b.Column, b.From, b.To} {
				if err := ident("backfill", s); err != nil {
					return err
				}
			}
		}
		enums[e.Name] = true
	}

	columnOK := func(table string, c Column) error {
		if err := ident("column", c.Name); err != nil {
			return err
		}
		if !allowedColumnTypes[c.Type] && !enums[c.Type] {
			return fmt.Errorf("schema manifest: column %s.%s has unsupported type %q", table, c.Name, c.Type)
		}
		if c.Default != "" && !defaultPattern.MatchString(c.Default) {
			return fmt.Errorf("schema manifest: column %s.%s has unsupported default %q", table, c.Name, c.Default)
		}
		return nil
	}

	tables := make(map[string]map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if err := ident("table", t.Name); err != nil {
			return err
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if err := columnOK(t.Name, c); err != nil {
				return err
			}
			cols[c.Name] = true
		}
		tables[t.Name] = cols
	}
	if _, ok := tables[m.MarkerTable]; !ok {
		return fmt.Errorf("schema manifest: marker table %q is not declared", m.MarkerTable)
	}

	hasColumn := func(table, column string) bool {
		return tables[table] != nil && tables[table][column]
	}

	for _, ix := range m.Indexes {
		if err := ident("index", ix.Name); err != nil {
			return err
		}
		if len(ix.Columns) == 0 {
			return fmt.Errorf("schema manifest: index %q has no columns", ix.Name)
		}
		for _, c := range ix.Columns {
			if !hasColumn(ix.Table, c) {
				return fmt.Errorf("schema manifest: index %q references unknown column %s.%s", ix.Name, ix.Table, c)
			}
		}
	}

	for _, fk := range m.ForeignKeys {
		if err := ident("foreign key", fk.Name); err != nil {
			return err
		}
		if !hasColumn(fk.Table, fk.Column) || !hasColumn(fk.RefTable, fk.RefColumn) {
			return fmt.Errorf("schema manifest: foreign key %q references unknown columns", fk.Name)
		}
		if _, ok := allowedOnDelete[fk.OnDelete]; !ok {
			return fmt.Errorf("schema manifest: foreign key %q has unsupported on_delete %q", fk.Name, fk.OnDelete)
		}
	}

	for _, c := range m.IncrementalColumns {
		if tables[c.Table] == nil {
			return fmt.Errorf("schema manifest: incremental column %q targets unknown table %q", c.Name, c.Table)
		}
		if c.PrimaryKey {
			return fmt.Errorf("schema manifest: incremental column %s.%s cannot be a primary key", c.Table, c.Name)
		}
		if err := columnOK(c.Table, c); err != nil {
			return err
		}
	}

	return nil
}

// Enum returns the declared enum with the given name.
func (m *Manifest) Enum(name string) (Enum, bool) {
	for _, e := range m.Enums {
		if e.Name == name {
			return e, true
		}
	}
	return Enum{}, false
}

func columnDefinition(c Column) string {
	var b strings.Builder
	b.WriteString(quote(c.Name))
	b.WriteString(" ")
	if allowedColumnTypes[c.Type] {
		b.WriteString(c.Type)
	} else {
		b.WriteString(quote(c.Type))
	}
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func createEnumSQL(e Enum) string {
	values := make([]string, len(e.Values))
	for i, v := range e.Values {
		values[i] = literal(v)
	}
	return fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", quote(e.Name), strings.Join(values, ", "))
}

func createTableSQL(t Table) string {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = columnDefinition(c)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quote(t.Name), strings.Join(defs, ", "))
}

func createIndexSQL(ix Index) string {
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = quote(c)
	}
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, quote(ix.Name), quote(ix.Table), strings.Join(cols, ", "))
}

func addForeignKeySQL(fk ForeignKey) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)%s",
		quote(fk.Table), quote(fk.Name), quote(fk.Column), quote(fk.RefTable), quote(fk.RefColumn), allowedOnDelete[fk.OnDelete])
}

func addColumnSQL(c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(c.Table), columnDefinition(c))
}

func addEnumValueSQL(enum, value string) string {
	return fmt.Sprintf("ALTER TYPE %s ADD VALUE %s", quote(enum), literal(value))
}

func backfillSQL(b EnumBackfill) string {
	return fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", quote(b.Table), quote(b.Column), quote(b.Column))
}
