package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// Record is one upstream row. ID is empty when the source has no stable id.
// Err is set for a row that could not be read; it is counted as failed.
type Record struct {
	ID     string
	Fields map[string]any
	Err    error
}

// FieldDescriptor describes one field a source exposes.
type FieldDescriptor struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Sample   string `json:"sample,omitempty"`
}

// Source streams the records of one data source.
type Source interface {
	TestConnection(ctx context.Context) (bool, string)
	DetectFields(ctx context.Context) ([]FieldDescriptor, error)
	// Stream hands records to fn in source order. A non-nil error from fn
	// stops the stream and is returned.
	Stream(ctx context.Context, fn func(Record) error) error
	Close() error
}

// Opener builds the Source for a data source.
type Opener interface {
	Open(ctx context.Context, ds *store.DataSource) (Source, error)
}

// ConnectorOpener builds sources on the connector package.
type ConnectorOpener struct {
	Store      store.Store
	Connectors *connector.Factory
	// Options apply to csv and directory sources.
	Options connector.Options
}

var errStop = errors.New("stop")

// Open decodes the settings of ds and returns its source.
func (o *ConnectorOpener) Open(ctx context.Context, ds *store.DataSource) (Source, error) {
	switch ds.Type {
	case schema.DataSourceCSV:
		var cfg CSVSettings
		if err := decodeSettings(ds.Settings, &cfg); err != nil {
			return nil, err
		}
		ff, err := connector.NewFlatFileConnector(connector.FlatFileConfig{
			Path: cfg.Path, Delimiter: cfg.Delimiter, Comment: cfg.Comment,
		}, o.Options)
		if err != nil {
			return nil, err
		}
		return &csvSource{file: ff, idField: cfg.IDField}, nil

	case schema.DataSourceDatabase:
		var cfg DatabaseSettings
		if err := decodeSettings(ds.Settings, &cfg); err != nil {
			return nil, err
		}
		conn, err := o.connection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.PageSize <= 0 {
			cfg.PageSize = defaultDBPageSize
		}
		if o.Connectors == nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "no connector factory for database sources")
		}
		c, err := o.Connectors.ForConnection(ctx, conn, cfg.PageSize)
		if err != nil {
			return nil, err
		}
		return newDatabaseSource(c, cfg), nil

	case schema.DataSourceDirectory:
		var cfg DirectorySettings
		if err := decodeSettings(ds.Settings, &cfg); err != nil {
			return nil, err
		}
		password, err := o.Connectors.Expand(ctx, cfg.BindPassword)
		if err != nil {
			return nil, err
		}
		cfg.BindPassword = password
		dc, err := connector.NewDirectoryConnector(cfg.DirectoryConfig, o.Options)
		if err != nil {
			return nil, err
		}
		return &directorySource{dir: dc, idAttr: cfg.IDAttribute}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown data source type %q", ds.Type)
}

func (o *ConnectorOpener) connection(ctx context.Context, cfg DatabaseSettings) (*store.DatabaseConnection, error) {
	if cfg.ConnectionID > 0 {
		return o.Store.GetConnection(ctx, cfg.ConnectionID)
	}
	return o.Store.GetConnectionByName(ctx, cfg.Connection)
}

// --- csv ---

type csvSource struct {
	file    *connector.FlatFileConnector
	idField string
}

func (s *csvSource) TestConnection(ctx context.Context) (bool, string) {
	return s.file.TestConnection(ctx)
}

func (s *csvSource) DetectFields(ctx context.Context) ([]FieldDescriptor, error) {
	header, err := s.file.Header(ctx)
	if err != nil {
		return nil, err
	}
	var sample map[string]string
	err = s.file.Each(ctx, func(_ int, row map[string]string, rowErr error) error {
		if rowErr != nil {
			return nil
		}
		sample = row
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	out := make([]FieldDescriptor, len(header))
	for i, h := range header {
		out[i] = FieldDescriptor{Name: h, DataType: "string", Sample: sample[h]}
	}
	return out, nil
}

func (s *csvSource) Stream(ctx context.Context, fn func(Record) error) error {
	return s.file.Each(ctx, func(line int, row map[string]string, rowErr error) error {
		if rowErr != nil {
			return fn(Record{Err: fmt.Errorf("line %d: %w", line, rowErr)})
		}
		rec := Record{Fields: make(map[string]any, len(row))}
		for k, v := range row {
			rec.Fields[k] = v
		}
		if s.idField != "" {
			rec.ID = row[s.idField]
		}
		return fn(rec)
	})
}

func (s *csvSource) Close() error { return s.file.Disconnect() }

// --- database ---

type databaseSource struct {
	conn     connector.Connector
	base     string
	orderBy  string
	idField  string
	pageSize int
	table    string
}

// newDatabaseSource pages over the query or table in a stable order: the
// configured order_by column, else the id field, else the first column.
func newDatabaseSource(c connector.Connector, cfg DatabaseSettings) *databaseSource {
	base := strings.TrimRight(strings.TrimSpace(cfg.Query), ";")
	if base == "" {
		base = "SELECT * FROM " + cfg.Table
	}
	orderBy := cfg.OrderBy
	switch {
	case orderBy != "":
	case cfg.IDField != "":
		orderBy = quoteIdent(cfg.IDField)
	default:
		orderBy = "1"
	}
	return &databaseSource{conn: c, base: base, orderBy: orderBy, idField: cfg.IDField, pageSize: cfg.PageSize, table: cfg.Table}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *databaseSource) TestConnection(ctx context.Context) (bool, string) {
	return s.conn.TestConnection(ctx)
}

func (s *databaseSource) page(offset int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS sync_page ORDER BY %s LIMIT %d OFFSET %d",
		s.base, s.orderBy, s.pageSize, offset)
}

func (s *databaseSource) DetectFields(ctx context.Context) ([]FieldDescriptor, error) {
	if s.table != "" {
		cols, err := s.conn.TableSchema(ctx, s.table)
		if err != nil {
			return nil, err
		}
		out := make([]FieldDescriptor, len(cols))
		for i, c := range cols {
			out[i] = FieldDescriptor{Name: c.Name, DataType: c.DataType}
		}
		return out, nil
	}
	res, err := s.conn.ExecuteQuery(ctx, fmt.Sprintf("SELECT * FROM (%s) AS sample LIMIT 1", s.base), nil)
	if err != nil {
		return nil, err
	}
	out := make([]FieldDescriptor, len(res.Columns))
	for i, c := range res.Columns {
		fd := FieldDescriptor{Name: c, DataType: "unknown"}
		if len(res.Rows) > 0 && res.Rows[0][c] != nil {
			fd.DataType = fmt.Sprintf("%T", res.Rows[0][c])
			fd.Sample = fmt.Sprint(res.Rows[0][c])
		}
		out[i] = fd
	}
	return out, nil
}

// Stream pages through the query with LIMIT/OFFSET until a short page.
func (s *databaseSource) Stream(ctx context.Context, fn func(Record) error) error {
	for offset := 0; ; offset += s.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.conn.ExecuteQuery(ctx, s.page(offset), nil)
		if err != nil {
			return err
		}
		for _, row := range res.Rows {
			rec := Record{Fields: row}
			if s.idField != "" && row[s.idField] != nil {
				rec.ID = idString(row[s.idField])
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(res.Rows) < s.pageSize {
			return nil
		}
	}
}

func (s *databaseSource) Close() error { return s.conn.Disconnect() }

func idString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// --- directory ---

// pagedDirectory is the part of the directory connector the source needs.
type pagedDirectory interface {
	connector.Connector
	SearchPaged(ctx context.Context, filter string, fn func(connector.DirectoryEntry) error) error
}

type directorySource struct {
	dir    pagedDirectory
	idAttr string
}

func (s *directorySource) TestConnection(ctx context.Context) (bool, string) {
	return s.dir.TestConnection(ctx)
}

// DetectFields returns the configured attributes, or those of the first
// entry when none are configured.
func (s *directorySource) DetectFields(ctx context.Context) ([]FieldDescriptor, error) {
	cols, err := s.dir.TableSchema(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(cols) > 1 {
		out := make([]FieldDescriptor, len(cols))
		for i, c := range cols {
			out[i] = FieldDescriptor{Name: c.Name, DataType: c.DataType}
		}
		return out, nil
	}

	var first *connector.DirectoryEntry
	err = s.dir.SearchPaged(ctx, "", func(e connector.DirectoryEntry) error {
		first = &e
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	out := []FieldDescriptor{{Name: "dn", DataType: "string"}}
	if first == nil {
		return out, nil
	}
	out[0].Sample = first.DN
	names := make([]string, 0, len(first.Attributes))
	for n := range first.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fd := FieldDescriptor{Name: n, DataType: "string"}
		if vals := first.Attributes[n]; len(vals) > 0 {
			fd.Sample = vals[0]
			if len(vals) > 1 {
				fd.DataType = "string[]"
			}
		}
		out = append(out, fd)
	}
	return out, nil
}

func (s *directorySource) Stream(ctx context.Context, fn func(Record) error) error {
	return s.dir.SearchPaged(ctx, "", func(e connector.DirectoryEntry) error {
		rec := Record{ID: e.DN, Fields: e.Row()}
		if s.idAttr != "" {
			rec.ID = ""
			if vals := e.Attributes[s.idAttr]; len(vals) > 0 {
				rec.ID = vals[0]
			}
		}
		return fn(rec)
	})
}

func (s *directorySource) Close() error { return s.dir.Disconnect() }
