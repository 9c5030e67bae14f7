package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	tbl := `"ferry_staging"."stg_customers"`
	tests := []struct {
		name     string
		in       Transformation
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "trim",
			in:      Transformation{Column: "name", Kind: "trim"},
			wantSQL: `UPDATE "ferry_staging"."stg_customers" SET "name" = btrim("name")`,
		},
		{
			name:    "uppercase",
			in:      Transformation{Column: "code", Kind: "uppercase"},
			wantSQL: `UPDATE "ferry_staging"."stg_customers" SET "code" = upper("code")`,
		},
		{
			name:    "null if empty",
			in:      Transformation{Column: "email", Kind: "null-if-empty"},
			wantSQL: `UPDATE "ferry_staging"."stg_customers" SET "email" = NULLIF(btrim("email"), '')`,
		},
		{
			name:     "default",
			in:       Transformation{Column: "country", Kind: "default", Config: map[string]interface{}{"value": "NZ"}},
			wantSQL:  `UPDATE "ferry_staging"."stg_customers" SET "country" = COALESCE(NULLIF("country", ''), $1)`,
			wantArgs: []any{"NZ"},
		},
		{
			name:     "replace",
			in:       Transformation{Column: "phone", Kind: "replace", Config: map[string]interface{}{"from": "-", "to": ""}},
			wantSQL:  `UPDATE "ferry_staging"."stg_customers" SET "phone" = replace("phone", $1, $2)`,
			wantArgs: []any{"-", ""},
		},
		{
			name:     "regex replace",
			in:       Transformation{Column: "phone", Kind: "regex-replace", Config: map[string]interface{}{"pattern": `\D`, "replacement": ""}},
			wantSQL:  `UPDATE "ferry_staging"."stg_customers" SET "phone" = regexp_replace("phone", $1, $2, 'g')`,
			wantArgs: []any{`\D`, ""},
		},
		{
			name:     "truncate from yaml float",
			in:       Transformation{Column: "notes", Kind: "truncate", Config: map[string]interface{}{"length": float64(20)}},
			wantSQL:  `UPDATE "ferry_staging"."stg_customers" SET "notes" = left("notes", $1)`,
			wantArgs: []any{20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := Compile(tbl, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tbl := `"s"."t"`

	_, _, err := Compile(tbl, Transformation{Column: "a", Kind: "reverse"})
	assert.ErrorContains(t, err, `unknown transformation "reverse"`)

	_, _, err = Compile(tbl, Transformation{Column: "a", Kind: "default"})
	assert.ErrorContains(t, err, `missing "value"`)

	_, _, err = Compile(tbl, Transformation{Column: "a", Kind: "truncate", Config: map[string]interface{}{"length": 0}})
	assert.ErrorContains(t, err, "length must be positive")

	_, _, err = Compile(tbl, Transformation{Column: "a", Kind: "regex-replace", Config: map[string]interface{}{"pattern": "("}})
	assert.ErrorContains(t, err, "invalid pattern")
}

func TestTransformations(t *testing.T) {
	assert.Equal(t, []string{
		"default", "lowercase", "null-if-empty", "regex-replace", "replace", "trim", "truncate", "uppercase",
	}, Transformations())
}
