package actions

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

const (
	defaultMaxRows      = 1000
	defaultQueryTimeout = 30
)

type databaseQueryParams struct {
	Connection     string
	ConnectionID   int64
	Query          string
	Parameters     map[string]any
	Format         string
	MaxRows        int
	TimeoutSeconds int
}

func parseDatabaseQueryParams(m map[string]any) (databaseQueryParams, error) {
	p := databaseQueryParams{
		Connection:     stringParam(m, "connection", ""),
		ConnectionID:   int64Param(m, "connection_id"),
		Query:          strings.TrimSpace(stringParam(m, "query", "")),
		Parameters:     mapParam(m, "parameters"),
		Format:         stringParam(m, "format", "json"),
		MaxRows:        intParam(m, "max_rows", defaultMaxRows),
		TimeoutSeconds: intParam(m, "timeout_seconds", defaultQueryTimeout),
	}
	if p.Query == "" {
		return p, schema.NewError(schema.ErrCodeValidation, "database_query: missing required param 'query'")
	}
	if p.Connection == "" && p.ConnectionID <= 0 {
		return p, schema.NewError(schema.ErrCodeValidation, "database_query: one of 'connection' or 'connection_id' is required")
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultQueryTimeout
	}
	return p, nil
}

// forbiddenSQL is a conservative denylist, not a parser: statement
// separators, comments and procedure execution.
var forbiddenSQL = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`;`), "multiple statements"},
	{regexp.MustCompile(`--|/\*|\*/`), "inline comments"},
	{regexp.MustCompile(`(?i)\b(exec|execute|sp_executesql)\b`), "procedure execution"},
	{regexp.MustCompile(`(?i)\bxp_\w*`), "extended procedures"},
}

// checkQueryText rejects query text matching the denylist. A single
// trailing semicolon is tolerated.
func checkQueryText(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	for _, f := range forbiddenSQL {
		if f.pattern.MatchString(q) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "database_query: query rejected (%s)", f.reason)
		}
	}
	return q, nil
}

type databaseQuery struct{ deps *Deps }

func (h *databaseQuery) run(ctx context.Context, _ *RunState, _ *store.Action, params map[string]any) (*Result, error) {
	p, err := parseDatabaseQueryParams(params)
	if err != nil {
		return nil, err
	}
	query, err := checkQueryText(p.Query)
	if err != nil {
		return nil, err
	}
	if h.deps.Connectors == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "database_query: no connector factory configured")
	}

	conn, err := h.connection(ctx, p)
	if err != nil {
		return nil, err
	}
	if h.deps.Breakers != nil {
		if err := h.deps.Breakers.Allow(conn.Name); err != nil {
			return nil, err
		}
	}

	c, err := h.deps.Connectors.ForConnection(ctx, conn, p.MaxRows)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Disconnect() }()

	// One extra row lets the scanner report truncation.
	if _, ok := connector.DialectOf(c); ok && p.MaxRows > 0 {
		query = connector.LimitQuery(query, p.MaxRows+1)
	}

	qctx, cancel := context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
	defer cancel()

	started := time.Now()
	res, err := c.ExecuteQuery(qctx, query, p.Parameters)
	elapsed := time.Since(started)
	if err != nil {
		if h.deps.Breakers != nil {
			h.deps.Breakers.Failure(conn.Name)
		}
		if qctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "database_query: timed out after %ds", p.TimeoutSeconds).WithCause(err)
		}
		return nil, err
	}
	if h.deps.Breakers != nil {
		h.deps.Breakers.Success(conn.Name)
	}

	formatted, err := formatRows(p.Format, res)
	if err != nil {
		return nil, err
	}
	return succeeded(map[string]any{
		"success":           true,
		"connection":        conn.Name,
		"format":            p.Format,
		"columns":           res.Columns,
		"row_count":         len(res.Rows),
		"rows_affected":     res.RowsAffected,
		"truncated":         res.Truncated,
		"execution_time_ms": elapsed.Milliseconds(),
		"results":           formatted,
	}), nil
}

func (h *databaseQuery) connection(ctx context.Context, p databaseQueryParams) (*store.DatabaseConnection, error) {
	var (
		conn *store.DatabaseConnection
		err  error
	)
	if p.ConnectionID > 0 {
		conn, err = h.deps.Store.GetConnection(ctx, p.ConnectionID)
	} else {
		conn, err = h.deps.Store.GetConnectionByName(ctx, p.Connection)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// formatRows renders a query result. json keeps the row objects, dict is
// column oriented, csv and xml are rendered to text.
func formatRows(format string, res *connector.QueryResult) (any, error) {
	columns := res.Columns
	if len(columns) == 0 && len(res.Rows) > 0 {
		for k := range res.Rows[0] {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}

	switch format {
	case "", "json":
		rows := make([]any, len(res.Rows))
		for i, r := range res.Rows {
			rows[i] = r
		}
		return rows, nil

	case "dict":
		out := make(map[string]any, len(columns))
		for _, c := range columns {
			vals := make([]any, len(res.Rows))
			for i, r := range res.Rows {
				vals[i] = r[c]
			}
			out[c] = vals
		}
		return out, nil

	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(columns); err != nil {
			return nil, err
		}
		for _, r := range res.Rows {
			rec := make([]string, len(columns))
			for i, c := range columns {
				rec[i] = cellString(r[c])
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
		w.Flush()
		return buf.String(), w.Error()

	case "xml":
		return rowsXML(columns, res.Rows)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "database_query: unknown format %q", format)
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
	Null    string `xml:"null,attr,omitempty"`
}

type xmlRow struct {
	XMLName xml.Name   `xml:"row"`
	Fields  []xmlField `xml:",any"`
}

type xmlResults struct {
	XMLName xml.Name `xml:"results"`
	Rows    []xmlRow `xml:"row"`
}

var xmlNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func xmlElementName(col string) string {
	name := xmlNameUnsafe.ReplaceAllString(col, "_")
	if name == "" || !(name[0] == '_' || (name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z')) {
		name = "_" + name
	}
	return name
}

func rowsXML(columns []string, rows []map[string]any) (string, error) {
	doc := xmlResults{Rows: make([]xmlRow, len(rows))}
	for i, r := range rows {
		row := xmlRow{Fields: make([]xmlField, len(columns))}
		for j, c := range columns {
			f := xmlField{XMLName: xml.Name{Local: xmlElementName(c)}}
			if r[c] == nil {
				f.Null = "true"
			} else {
				f.Value = cellString(r[c])
			}
			row.Fields[j] = f
		}
		doc.Rows[i] = row
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "database_query: render xml: %v", err).WithCause(err)
	}
	return xml.Header + string(out), nil
}

// cellString renders one value for text formats.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}
