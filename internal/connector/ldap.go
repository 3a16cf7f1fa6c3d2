package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/rendis/idflow/pkg/schema"
)

// DirectoryConfig configures an LDAP directory back-end.
type DirectoryConfig struct {
	URL           string   `json:"url"`
	BindDN        string   `json:"bind_dn,omitempty"`
	BindPassword  string   `json:"bind_password,omitempty"`
	BaseDN        string   `json:"base_dn"`
	Filter        string   `json:"filter,omitempty"`
	ObjectClasses []string `json:"object_classes,omitempty"`
	Attributes    []string `json:"attributes,omitempty"`
	PageSize      int      `json:"page_size,omitempty"`
	StartTLS      bool     `json:"start_tls,omitempty"`
	SkipVerify    bool     `json:"skip_verify,omitempty"`
}

const (
	defaultDirectoryFilter = "(objectClass=person)"
	defaultPageSize        = 500
)

// DirectoryEntry is one search result with its attribute values.
type DirectoryEntry struct {
	DN         string
	Attributes map[string][]string
}

// directoryClient is the subset of *ldap.Conn the connector uses.
type directoryClient interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

type dialFunc func(ctx context.Context, cfg DirectoryConfig, timeout time.Duration) (directoryClient, func(), error)

// DirectoryConnector queries an LDAP directory. ExecuteQuery takes an LDAP
// filter, object classes act as tables and attributes as columns.
type DirectoryConnector struct {
	cfg  DirectoryConfig
	opts Options
	dial dialFunc

	client directoryClient
	close  func()
}

// NewDirectoryConnector validates cfg and returns an unconnected connector.
func NewDirectoryConnector(cfg DirectoryConfig, opts Options) (*DirectoryConnector, error) {
	if cfg.URL == "" || cfg.BaseDN == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "directory connector requires url and base_dn")
	}
	if cfg.Filter == "" {
		cfg.Filter = defaultDirectoryFilter
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if len(cfg.ObjectClasses) == 0 {
		cfg.ObjectClasses = []string{"person"}
	}
	return &DirectoryConnector{cfg: cfg, opts: opts, dial: dialLDAP}, nil
}

func dialLDAP(ctx context.Context, cfg DirectoryConfig, timeout time.Duration) (directoryClient, func(), error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.SkipVerify} //nolint:gosec
	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, nil, err
	}
	conn.SetTimeout(timeout)
	if cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, func() { conn.Close() }, nil
}

// Connect dials and binds. An empty BindDN performs an anonymous bind.
func (c *DirectoryConnector) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	client, closeFn, err := c.dial(ctx, c.cfg, c.opts.timeout())
	if err != nil {
		return connectorError("dial "+c.cfg.URL, err)
	}
	if c.cfg.BindDN != "" {
		if err := client.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			closeFn()
			return schema.NewErrorf(schema.ErrCodeConfiguration, "bind as %s: %s", c.cfg.BindDN, err.Error()).WithCause(err)
		}
	}
	c.client, c.close = client, closeFn
	return nil
}

// Disconnect closes the connection.
func (c *DirectoryConnector) Disconnect() error {
	if c.close != nil {
		c.close()
	}
	c.client, c.close = nil, nil
	return nil
}

// TestConnection binds and reads the base entry.
func (c *DirectoryConnector) TestConnection(ctx context.Context) (bool, string) {
	if err := c.Connect(ctx); err != nil {
		return false, err.Error()
	}
	req := ldap.NewSearchRequest(c.cfg.BaseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, c.timeLimit(), false, "(objectClass=*)", []string{"dn"}, nil)
	if _, err := c.client.Search(req); err != nil {
		return false, fmt.Sprintf("base DN %s not readable: %s", c.cfg.BaseDN, err.Error())
	}
	return true, fmt.Sprintf("bound to %s", c.cfg.URL)
}

// SearchPaged runs filter under the base DN with the paged-results control
// and hands each entry to fn. An empty filter uses the configured one.
func (c *DirectoryConnector) SearchPaged(ctx context.Context, filter string, fn func(DirectoryEntry) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(filter) == "" {
		filter = c.cfg.Filter
	}
	if _, err := ldap.CompileFilter(filter); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid LDAP filter %q: %s", filter, err.Error()).WithCause(err)
	}

	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	paging := ldap.NewControlPaging(uint32(c.cfg.PageSize))
	for {
		if err := ctx.Err(); err != nil {
			return connectorError("directory search", err)
		}
		req := ldap.NewSearchRequest(c.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, c.timeLimit(), false, filter, c.cfg.Attributes, []ldap.Control{paging})
		res, err := c.client.Search(req)
		if err != nil {
			return connectorError("directory search", err)
		}
		for _, e := range res.Entries {
			if err := fn(toDirectoryEntry(e)); err != nil {
				return err
			}
		}
		ctrl, ok := ldap.FindControl(res.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(ctrl.Cookie) == 0 {
			return nil
		}
		paging.SetCookie(ctrl.Cookie)
	}
}

// ExecuteQuery treats text as an LDAP filter. Single-valued attributes map to
// strings, multi-valued ones to lists.
func (c *DirectoryConnector) ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	start := time.Now()
	filter := expandFilter(text, params)
	result := &QueryResult{Rows: []map[string]any{}}
	cols := map[string]struct{}{"dn": {}}

	err := c.SearchPaged(ctx, filter, func(e DirectoryEntry) error {
		if c.opts.MaxRows > 0 && len(result.Rows) >= c.opts.MaxRows {
			result.Truncated = true
			return errStopIteration
		}
		result.Rows = append(result.Rows, e.Row())
		for name := range e.Attributes {
			cols[name] = struct{}{}
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	for name := range cols {
		result.Columns = append(result.Columns, name)
	}
	sort.Strings(result.Columns)
	result.Duration = time.Since(start)
	return result, nil
}

// ExecuteScript is not supported on a directory.
func (c *DirectoryConnector) ExecuteScript(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	return nil, schema.NewError(schema.ErrCodeUnsupported, "directory connector does not run scripts")
}

// TableNames returns the configured object classes.
func (c *DirectoryConnector) TableNames(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.cfg.ObjectClasses...), nil
}

// TableSchema returns the configured attributes as nullable, multi-valued strings.
func (c *DirectoryConnector) TableSchema(ctx context.Context, table string) ([]ColumnInfo, error) {
	cols := make([]ColumnInfo, 0, len(c.cfg.Attributes)+1)
	cols = append(cols, ColumnInfo{Name: "dn", DataType: "string"})
	for _, a := range c.cfg.Attributes {
		cols = append(cols, ColumnInfo{Name: a, DataType: "string[]", IsNullable: true})
	}
	return cols, nil
}

// Row flattens the entry into a result row.
func (e DirectoryEntry) Row() map[string]any {
	row := make(map[string]any, len(e.Attributes)+1)
	row["dn"] = e.DN
	for name, vals := range e.Attributes {
		if len(vals) == 1 {
			row[name] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		row[name] = list
	}
	return row
}

func (c *DirectoryConnector) timeLimit() int {
	return int(c.opts.timeout() / time.Second)
}

func toDirectoryEntry(e *ldap.Entry) DirectoryEntry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = append([]string(nil), a.Values...)
	}
	return DirectoryEntry{DN: e.DN, Attributes: attrs}
}

// expandFilter substitutes :name placeholders with escaped parameter values.
func expandFilter(filter string, params map[string]any) string {
	if len(params) == 0 || !strings.Contains(filter, ":") {
		return filter
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	// Longest first so :uid does not clobber :uidNumber.
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, k := range names {
		filter = strings.ReplaceAll(filter, ":"+k, ldap.EscapeFilter(fmt.Sprint(params[k])))
	}
	return filter
}

var _ Connector = (*DirectoryConnector)(nil)
