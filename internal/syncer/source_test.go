package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/connector"
)

// fakeDirectory serves fixed entries through SearchPaged.
type fakeDirectory struct {
	connector.Connector
	entries []connector.DirectoryEntry
	schema  []connector.ColumnInfo
	closed  bool
}

func (d *fakeDirectory) SearchPaged(ctx context.Context, filter string, fn func(connector.DirectoryEntry) error) error {
	for _, e := range d.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDirectory) TableSchema(ctx context.Context, table string) ([]connector.ColumnInfo, error) {
	return d.schema, nil
}

func (d *fakeDirectory) Disconnect() error {
	d.closed = true
	return nil
}

func directoryEntries() []connector.DirectoryEntry {
	return []connector.DirectoryEntry{
		{DN: "uid=ada,ou=people,dc=example", Attributes: map[string][]string{
			"uid": {"ada"}, "mail": {"ada@example.com"}, "memberOf": {"eng", "ops"},
		}},
		{DN: "uid=bob,ou=people,dc=example", Attributes: map[string][]string{
			"uid": {"bob"}, "mail": {"bob@example.com"},
		}},
	}
}

func TestDatabaseSource_PagesInStableOrder(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseSettings
		want string
	}{
		{
			"explicit order",
			DatabaseSettings{Table: "staff", OrderBy: "email", IDField: "id", PageSize: 50},
			"SELECT * FROM (SELECT * FROM staff) AS sync_page ORDER BY email LIMIT 50 OFFSET 100",
		},
		{
			"defaults to id field",
			DatabaseSettings{Query: "SELECT id, email FROM staff;", IDField: "employee id", PageSize: 50},
			`SELECT * FROM (SELECT id, email FROM staff) AS sync_page ORDER BY "employee id" LIMIT 50 OFFSET 100`,
		},
		{
			"falls back to first column",
			DatabaseSettings{Table: "staff", PageSize: 50},
			"SELECT * FROM (SELECT * FROM staff) AS sync_page ORDER BY 1 LIMIT 50 OFFSET 100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newDatabaseSource(nil, tt.cfg).page(100))
		})
	}
}

func TestDirectorySource_Stream(t *testing.T) {
	dir := &fakeDirectory{entries: directoryEntries()}
	src := &directorySource{dir: dir}

	var got []Record
	require.NoError(t, src.Stream(context.Background(), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "uid=ada,ou=people,dc=example", got[0].ID)
	assert.Equal(t, []any{"eng", "ops"}, got[0].Fields["memberOf"])
	assert.Equal(t, "bob@example.com", got[1].Fields["mail"])

	src.idAttr = "uid"
	got = nil
	require.NoError(t, src.Stream(context.Background(), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	assert.Equal(t, "ada", got[0].ID)

	require.NoError(t, src.Close())
	assert.True(t, dir.closed)
}

func TestDirectorySource_DetectFields(t *testing.T) {
	dir := &fakeDirectory{entries: directoryEntries(), schema: []connector.ColumnInfo{{Name: "dn", DataType: "string"}}}
	fields, err := (&directorySource{dir: dir}).DetectFields(context.Background())
	require.NoError(t, err)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"dn", "mail", "memberOf", "uid"}, names)
	assert.Equal(t, "string[]", fields[2].DataType)
	assert.Equal(t, "ada", fields[3].Sample)

	dir.schema = append(dir.schema, connector.ColumnInfo{Name: "cn", DataType: "string[]"})
	fields, err = (&directorySource{dir: dir}).DetectFields(context.Background())
	require.NoError(t, err)
	assert.Len(t, fields, 2)
}

func TestCSVSource_DetectFieldsAndIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,email\nbroken\n7,ada@example.com\n"), 0o600))
	ff, err := connector.NewFlatFileConnector(connector.FlatFileConfig{Path: path}, connector.Options{})
	require.NoError(t, err)
	src := &csvSource{file: ff, idField: "id"}

	fields, err := src.DetectFields(context.Background())
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "ada@example.com", fields[1].Sample)

	var recs []Record
	require.NoError(t, src.Stream(context.Background(), func(r Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Error(t, recs[0].Err)
	assert.Equal(t, "7", recs[1].ID)
}
