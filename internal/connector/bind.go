package connector

import (
	"strconv"
	"strings"

	"github.com/rendis/idflow/pkg/schema"
)

// Dialect selects placeholder syntax and catalog queries.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Bind rewrites :name placeholders into the dialect's positional form
// ($1.. for postgres, ? for sqlite) and returns the ordered arguments.
// Quoted literals, quoted identifiers and :: casts are left untouched.
// A placeholder with no matching parameter is a validation error.
func Bind(query string, params map[string]any, d Dialect) (string, []any, error) {
	var (
		out  strings.Builder
		args []any
		pos  = map[string]int{}
	)
	out.Grow(len(query))

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(query, i)
			out.WriteString(query[i:end])
			i = end - 1
		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			out.WriteString("::")
			i++
		case c == ':' && i+1 < len(query) && isIdentStart(query[i+1]):
			j := i + 1
			for j < len(query) && isIdentPart(query[j]) {
				j++
			}
			name := query[i+1 : j]
			v, ok := params[name]
			if !ok {
				return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
					"missing value for query parameter :%s", name)
			}
			if d == DialectPostgres {
				n, seen := pos[name]
				if !seen {
					args = append(args, v)
					n = len(args)
					pos[name] = n
				}
				out.WriteString("$" + strconv.Itoa(n))
			} else {
				args = append(args, v)
				out.WriteByte('?')
			}
			i = j - 1
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), args, nil
}

// closingQuote returns the index just past the quote opened at start.
// Doubled quotes inside the literal are treated as escapes.
func closingQuote(s string, start int) int {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(s)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
