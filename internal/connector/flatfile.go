package connector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// FlatFileConfig describes a delimited text file with a header row.
type FlatFileConfig struct {
	Path      string `json:"path"`
	Delimiter string `json:"delimiter,omitempty"`
	// Comment lines start with this character and are skipped.
	Comment string `json:"comment,omitempty"`
}

// FlatFileConnector reads a CSV file. The file is one table named after its
// stem and the header row is its schema.
type FlatFileConnector struct {
	cfg  FlatFileConfig
	opts Options
}

// NewFlatFileConnector validates cfg and returns the connector.
func NewFlatFileConnector(cfg FlatFileConfig, opts Options) (*FlatFileConnector, error) {
	if cfg.Path == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "flat file connector requires a path")
	}
	if len([]rune(cfg.Delimiter)) > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "delimiter must be a single character, got %q", cfg.Delimiter)
	}
	return &FlatFileConnector{cfg: cfg, opts: opts}, nil
}

// Connect checks that the file is readable.
func (c *FlatFileConnector) Connect(ctx context.Context) error {
	f, err := os.Open(c.cfg.Path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConnector, "open %s: %s", c.cfg.Path, err.Error()).WithCause(err)
	}
	return f.Close()
}

// Disconnect is a no-op. Files are opened per call.
func (c *FlatFileConnector) Disconnect() error { return nil }

// TestConnection reads the header row.
func (c *FlatFileConnector) TestConnection(ctx context.Context) (bool, string) {
	header, err := c.Header(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("found %d columns", len(header))
}

// Header returns the trimmed header row.
func (c *FlatFileConnector) Header(ctx context.Context) ([]string, error) {
	f, r, err := c.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readHeader(r, c.cfg.Path)
}

// Each streams the data rows as header-keyed maps. line is the 1-based data
// row number and serves as a fallback record id. A malformed row is passed to
// fn as a non-nil rowErr so the caller can skip it and continue.
func (c *FlatFileConnector) Each(ctx context.Context, fn func(line int, row map[string]string, rowErr error) error) error {
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	f, r, err := c.open()
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := readHeader(r, c.cfg.Path)
	if err != nil {
		return err
	}
	r.FieldsPerRecord = -1

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return connectorError("read csv", err)
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				if ferr := fn(line, nil, err); ferr != nil {
					return ferr
				}
				continue
			}
			return schema.NewErrorf(schema.ErrCodeConnector, "read %s: %s", c.cfg.Path, err.Error()).WithCause(err)
		}
		if len(rec) != len(header) {
			rowErr := fmt.Errorf("row %d has %d fields, header has %d", line, len(rec), len(header))
			if ferr := fn(line, nil, rowErr); ferr != nil {
				return ferr
			}
			continue
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			row[h] = strings.TrimSpace(rec[i])
		}
		if err := fn(line, row, nil); err != nil {
			return err
		}
	}
}

// ExecuteQuery returns every well-formed row for an empty query or "*".
func (c *FlatFileConnector) ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	if q := strings.TrimSpace(text); q != "" && q != "*" {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported, "flat file connector cannot run query %q", q)
	}
	header, err := c.Header(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &QueryResult{Columns: header, Rows: []map[string]any{}}
	err = c.Each(ctx, func(_ int, row map[string]string, rowErr error) error {
		if rowErr != nil {
			return nil
		}
		if c.opts.MaxRows > 0 && len(result.Rows) >= c.opts.MaxRows {
			result.Truncated = true
			return errStopIteration
		}
		m := make(map[string]any, len(row))
		for k, v := range row {
			m[k] = v
		}
		result.Rows = append(result.Rows, m)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// ExecuteScript is not supported on flat files.
func (c *FlatFileConnector) ExecuteScript(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	return nil, schema.NewError(schema.ErrCodeUnsupported, "flat file connector does not run scripts")
}

// TableNames returns the file stem.
func (c *FlatFileConnector) TableNames(ctx context.Context) ([]string, error) {
	base := filepath.Base(c.cfg.Path)
	return []string{strings.TrimSuffix(base, filepath.Ext(base))}, nil
}

// TableSchema returns one text column per header field.
func (c *FlatFileConnector) TableSchema(ctx context.Context, table string) ([]ColumnInfo, error) {
	header, err := c.Header(ctx)
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnInfo, len(header))
	for i, h := range header {
		cols[i] = ColumnInfo{Name: h, DataType: "text", IsNullable: true}
	}
	return cols, nil
}

var errStopIteration = errors.New("stop iteration")

func (c *FlatFileConnector) open() (*os.File, *csv.Reader, error) {
	f, err := os.Open(c.cfg.Path)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConnector, "open %s: %s", c.cfg.Path, err.Error()).WithCause(err)
	}
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.ReuseRecord = false
	if c.cfg.Delimiter != "" {
		r.Comma = []rune(c.cfg.Delimiter)[0]
	}
	if c.cfg.Comment != "" {
		r.Comment = []rune(c.cfg.Comment)[0]
	}
	return f, r, nil
}

func readHeader(r *csv.Reader, path string) ([]string, error) {
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", path)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read header of %s: %s", path, err.Error()).WithCause(err)
	}
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return out, nil
}

var _ Connector = (*FlatFileConnector)(nil)
