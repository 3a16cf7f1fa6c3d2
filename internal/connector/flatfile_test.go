package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFlatFile_EachSkipsMalformedRows(t *testing.T) {
	path := writeCSV(t, "people.csv", "\ufeffemail, first_name\nada@example.com, Ada\nbroken\nbob@example.com,Bob\n")
	c, err := NewFlatFileConnector(FlatFileConfig{Path: path}, Options{})
	require.NoError(t, err)

	var (
		rows []map[string]string
		bad  []int
	)
	err = c.Each(context.Background(), func(line int, row map[string]string, rowErr error) error {
		if rowErr != nil {
			bad = append(bad, line)
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, bad)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ada", rows[0]["first_name"])
	assert.Equal(t, "bob@example.com", rows[1]["email"])
}

func TestFlatFile_QueryAndCatalog(t *testing.T) {
	path := writeCSV(t, "staff.csv", "id;name\n1;Ada\n2;Bob\n3;Cy\n")
	c, err := NewFlatFileConnector(FlatFileConfig{Path: path, Delimiter: ";"}, Options{MaxRows: 2})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.ExecuteQuery(ctx, "*", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)

	names, err := c.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"staff"}, names)

	cols, err := c.TableSchema(ctx, "staff")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "name", cols[1].Name)

	ok, msg := c.TestConnection(ctx)
	assert.True(t, ok)
	assert.Contains(t, msg, "2 columns")
}

func TestFlatFile_Unsupported(t *testing.T) {
	path := writeCSV(t, "a.csv", "x\n1\n")
	c, err := NewFlatFileConnector(FlatFileConfig{Path: path}, Options{})
	require.NoError(t, err)

	_, err = c.ExecuteQuery(context.Background(), "SELECT x FROM a", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))

	_, err = c.ExecuteScript(context.Background(), "DELETE", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
}

func TestFlatFile_MissingFile(t *testing.T) {
	c, err := NewFlatFileConnector(FlatFileConfig{Path: filepath.Join(t.TempDir(), "nope.csv")}, Options{})
	require.NoError(t, err)

	ok, _ := c.TestConnection(context.Background())
	assert.False(t, ok)
	assert.True(t, schema.HasCode(c.Connect(context.Background()), schema.ErrCodeConnector))
}

func TestFlatFile_EmptyFile(t *testing.T) {
	path := writeCSV(t, "empty.csv", "")
	c, err := NewFlatFileConnector(FlatFileConfig{Path: path}, Options{})
	require.NoError(t, err)

	_, err = c.Header(context.Background())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
