package warehouse

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/dwsmith1983/ferry/internal/pgutil"
)

// Transformation rewrites one staging column in place.
type Transformation struct {
	Column string
	Kind   string
	Config map[string]interface{}
}

type compiler func(col string, cfg map[string]interface{}) (string, []any, error)

var transformations = map[string]compiler{
	"trim": func(col string, _ map[string]interface{}) (string, []any, error) {
		return "btrim(" + col + ")", nil, nil
	},
	"uppercase": func(col string, _ map[string]interface{}) (string, []any, error) {
		return "upper(" + col + ")", nil, nil
	},
	"lowercase": func(col string, _ map[string]interface{}) (string, []any, error) {
		return "lower(" + col + ")", nil, nil
	},
	"null-if-empty": func(col string, _ map[string]interface{}) (string, []any, error) {
		return "NULLIF(btrim(" + col + "), '')", nil, nil
	},
	"default": func(col string, cfg map[string]interface{}) (string, []any, error) {
		v, err := stringParam(cfg, "value")
		if err != nil {
			return "", nil, err
		}
		return "COALESCE(NULLIF(" + col + ", ''), $1)", []any{v}, nil
	},
	"replace": func(col string, cfg map[string]interface{}) (string, []any, error) {
		from, err := stringParam(cfg, "from")
		if err != nil {
			return "", nil, err
		}
		to, _ := stringParam(cfg, "to")
		return "replace(" + col + ", $1, $2)", []any{from, to}, nil
	},
	"regex-replace": func(col string, cfg map[string]interface{}) (string, []any, error) {
		pattern, err := stringParam(cfg, "pattern")
		if err != nil {
			return "", nil, err
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return "", nil, fmt.Errorf("invalid pattern: %w", err)
		}
		repl, _ := stringParam(cfg, "replacement")
		return "regexp_replace(" + col + ", $1, $2, 'g')", []any{pattern, repl}, nil
	},
	"truncate": func(col string, cfg map[string]interface{}) (string, []any, error) {
		n, err := intParam(cfg, "length")
		if err != nil {
			return "", nil, err
		}
		if n <= 0 {
			return "", nil, fmt.Errorf("length must be positive")
		}
		return "left(" + col + ", $1)", []any{n}, nil
	},
}

// Transformations lists the supported transformation ids.
func Transformations() []string {
	out := make([]string, 0, len(transformations))
	for k := range transformations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Compile returns the UPDATE statement applying t to table.
func Compile(table string, t Transformation) (string, []any, error) {
	c, ok := transformations[t.Kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown transformation %q on column %s", t.Kind, t.Column)
	}
	col := pgutil.QuoteColumn(t.Column)
	expr, args, err := c(col, t.Config)
	if err != nil {
		return "", nil, fmt.Errorf("transformation %s on column %s: %w", t.Kind, t.Column, err)
	}
	return "UPDATE " + table + " SET " + col + " = " + expr, args, nil
}

func stringParam(cfg map[string]interface{}, key string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func intParam(cfg map[string]interface{}, key string) (int, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%q must be a number", key)
	}
}
