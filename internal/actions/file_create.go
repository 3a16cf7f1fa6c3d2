package actions

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

var fileExtensions = map[string]string{
	"csv":   ".csv",
	"json":  ".json",
	"jsonl": ".jsonl",
	"excel": ".xlsx",
	"txt":   ".txt",
}

type fileCreateParams struct {
	Source        string
	SourceAction  string
	DataPath      string
	CustomData    any
	Format        string
	FileName      string
	OutputDir     string
	IncludeHeader bool
	Fields        []string
}

func parseFileCreateParams(m map[string]any) (fileCreateParams, error) {
	p := fileCreateParams{
		Source:        stringParam(m, "source", "previous_result"),
		SourceAction:  stringParam(m, "source_action", ""),
		DataPath:      stringParam(m, "data_path", ""),
		CustomData:    m["custom_data"],
		Format:        stringParam(m, "format", "json"),
		FileName:      stringParam(m, "file_name", ""),
		OutputDir:     stringParam(m, "output_dir", ""),
		IncludeHeader: boolParam(m, "include_header", true),
		Fields:        stringSliceParam(m, "fields"),
	}
	if _, ok := fileExtensions[p.Format]; !ok {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "file_create: unknown format %q", p.Format)
	}
	switch p.Source {
	case "previous_result", "context":
	case "custom":
		if p.CustomData == nil {
			return p, schema.NewError(schema.ErrCodeValidation, "file_create: source 'custom' requires 'custom_data'")
		}
	default:
		return p, schema.NewErrorf(schema.ErrCodeValidation, "file_create: unknown source %q", p.Source)
	}
	if p.FileName != "" && (p.FileName != filepath.Base(p.FileName) || p.FileName == "." || p.FileName == "..") {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "file_create: file_name %q must not contain a path", p.FileName)
	}
	return p, nil
}

type fileCreate struct{ deps *Deps }

func (h *fileCreate) run(ctx context.Context, rs *RunState, action *store.Action, params map[string]any) (*Result, error) {
	p, err := parseFileCreateParams(params)
	if err != nil {
		return nil, err
	}
	data, err := h.data(ctx, rs, p)
	if err != nil {
		return nil, err
	}

	dir := p.OutputDir
	if dir == "" {
		dir = h.deps.OutputDir
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: create output dir: %v", err).WithCause(err)
	}
	name := p.FileName
	if name == "" {
		name = h.defaultName(rs, action, p.Format)
	}
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: %v", err).WithCause(err)
	}

	content, count, err := renderFile(p.Format, data, p.Fields, p.IncludeHeader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: %v", err).WithCause(err)
	}

	return succeeded(map[string]any{
		"success":      true,
		"file_path":    path,
		"file_name":    name,
		"format":       p.Format,
		"size":         len(content),
		"record_count": count,
	}), nil
}

func (h *fileCreate) defaultName(rs *RunState, action *store.Action, format string) string {
	base := "export"
	if action != nil {
		if n := SanitizeName(action.Name); n != "" {
			base = n
		}
	}
	return fmt.Sprintf("%s_%d_%s%s", base, rs.ExecutionID(), h.deps.Now().UTC().Format("20060102T150405"), fileExtensions[format])
}

func (h *fileCreate) data(ctx context.Context, rs *RunState, p fileCreateParams) (any, error) {
	var data any
	switch p.Source {
	case "custom":
		data = p.CustomData
		if s, ok := data.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				data = decoded
			}
		}
	case "context":
		data = map[string]any{
			"params":  rs.Params(),
			"results": rs.Results(),
			"vars":    rs.Vars().Flatten(),
		}
	case "previous_result":
		var out map[string]any
		if p.SourceAction != "" {
			res, ok := rs.Result(p.SourceAction)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "file_create: no result recorded for %q", p.SourceAction)
			}
			out = res
		} else if out = rs.Last(); out == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "file_create: no previous result to write")
		}
		data = out
		if p.DataPath == "" {
			for _, k := range collectionKeys {
				if v, ok := out[k]; ok {
					data = v
					break
				}
			}
		}
	}

	if p.DataPath != "" {
		selected, err := h.deps.JQ.Select(ctx, p.DataPath, data)
		if err != nil {
			return nil, err
		}
		data = selected
	}
	return data, nil
}

// renderFile encodes data and reports how many records were written.
func renderFile(format string, data any, fields []string, header bool) ([]byte, int, error) {
	switch format {
	case "json":
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeExecution, "file_create: encode json: %v", err).WithCause(err)
		}
		return append(out, '\n'), len(records(data)), nil

	case "jsonl":
		var buf bytes.Buffer
		items := records(data)
		for _, item := range items {
			line, err := json.Marshal(item)
			if err != nil {
				return nil, 0, schema.NewErrorf(schema.ErrCodeExecution, "file_create: encode jsonl: %v", err).WithCause(err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), len(items), nil

	case "txt":
		var buf bytes.Buffer
		items := records(data)
		for _, item := range items {
			buf.WriteString(textLine(item))
			buf.WriteByte('\n')
		}
		return buf.Bytes(), len(items), nil

	case "csv":
		rows, columns := table(data, fields)
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if header {
			if err := w.Write(columns); err != nil {
				return nil, 0, err
			}
		}
		for _, r := range rows {
			if err := w.Write(rowCells(r, columns)); err != nil {
				return nil, 0, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeExecution, "file_create: encode csv: %v", err).WithCause(err)
		}
		return buf.Bytes(), len(rows), nil

	case "excel":
		rows, columns := table(data, fields)
		content, err := excelWorkbook(rows, columns, header)
		if err != nil {
			return nil, 0, err
		}
		return content, len(rows), nil
	}
	return nil, 0, schema.NewErrorf(schema.ErrCodeValidation, "file_create: unknown format %q", format)
}

func excelWorkbook(rows []map[string]any, columns []string, header bool) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	line := 1
	writeRow := func(values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, line)
		if err != nil {
			return err
		}
		line++
		return f.SetSheetRow(sheet, cell, &values)
	}
	if header {
		vals := make([]any, len(columns))
		for i, c := range columns {
			vals[i] = c
		}
		if err := writeRow(vals); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: write excel header: %v", err).WithCause(err)
		}
	}
	for _, r := range rows {
		vals := make([]any, len(columns))
		for i, c := range columns {
			switch v := r[c].(type) {
			case map[string]any, []any:
				vals[i] = textLine(v)
			default:
				vals[i] = v
			}
		}
		if err := writeRow(vals); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: write excel row: %v", err).WithCause(err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_create: encode excel: %v", err).WithCause(err)
	}
	return buf.Bytes(), nil
}

// records returns the items of a list, or data itself as a single record.
func records(data any) []any {
	switch v := data.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	}
	return []any{data}
}

// table turns data into rows. Scalars become {"value": x}. Without explicit
// fields the columns are the sorted union of row keys.
func table(data any, fields []string) ([]map[string]any, []string) {
	items := records(data)
	rows := make([]map[string]any, len(items))
	keys := map[string]bool{}
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			m = map[string]any{"value": item}
		}
		rows[i] = m
		for k := range m {
			keys[k] = true
		}
	}
	if len(fields) > 0 {
		return rows, fields
	}
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return rows, columns
}

func rowCells(r map[string]any, columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		switch v := r[c].(type) {
		case map[string]any, []any:
			out[i] = textLine(v)
		default:
			out[i] = cellString(v)
		}
	}
	return out
}

// textLine renders a scalar as is, a map as sorted key=value pairs and a
// list as compact JSON.
func textLine(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + textLine(val[k])
		}
		return strings.Join(parts, ", ")
	case []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
	return cellString(v)
}
