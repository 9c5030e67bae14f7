package warehouse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dwsmith1983/ferry/internal/pgutil"
	"github.com/dwsmith1983/ferry/pkg/types"
)

var sqlType = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?(\[\])?$`)

// ValidType reports whether t is usable as a cast target type.
func ValidType(t string) bool {
	return t == "" || sqlType.MatchString(t)
}

func stagingDDL(table string, columns []string, key string) string {
	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		defs = append(defs, pgutil.QuoteColumn(c)+" TEXT")
	}
	if key != "" {
		defs = append(defs, "PRIMARY KEY ("+pgutil.QuoteColumn(key)+")")
	}
	return "CREATE TABLE " + table + " (" + strings.Join(defs, ", ") + ")"
}

// insertSQL builds the INSERT ... SELECT that moves staged rows into the
// target. staging and target are already quoted. Identities are returned
// only when both keys are known.
func insertSQL(spec LoadSpec, staging, target, sourceKey, targetKey string) (string, bool, error) {
	if len(spec.Columns) == 0 {
		return "", false, fmt.Errorf("no columns mapped")
	}
	cols := make([]string, 0, len(spec.Columns)+1)
	sel := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		if !ValidType(c.TargetType) {
			return "", false, fmt.Errorf("invalid target type %q for column %s", c.TargetType, c.TargetColumn)
		}
		cols = append(cols, pgutil.QuoteColumn(c.TargetColumn))
		expr := "s." + pgutil.QuoteColumn(c.SourceColumn)
		if c.TargetType != "" {
			expr += "::" + c.TargetType
		}
		sel = append(sel, expr)
	}

	capture := spec.CaptureIdentity && sourceKey != "" && targetKey != ""
	if capture {
		cols = append(cols, pgutil.QuoteColumn(AttachmentMetadataColumn))
		sel = append(sel, "jsonb_build_object('sourceId', s."+pgutil.QuoteColumn(sourceKey)+")")
	}

	var b strings.Builder
	b.WriteString("INSERT INTO " + target + " AS t (" + strings.Join(cols, ", ") + ")")
	b.WriteString(" SELECT " + strings.Join(sel, ", ") + " FROM " + staging + " s")

	switch spec.Strategy {
	case types.Merge:
		b.WriteString(conflictClause(spec, capture))
	case types.Append:
		b.WriteString(" ON CONFLICT DO NOTHING")
	}

	if capture {
		b.WriteString(" RETURNING t." + pgutil.QuoteColumn(targetKey) + "::text, t." +
			pgutil.QuoteColumn(AttachmentMetadataColumn) + "->>'sourceId'")
	}
	return b.String(), capture, nil
}

func conflictClause(spec LoadSpec, capture bool) string {
	if len(spec.MergeKeys) == 0 {
		return " ON CONFLICT DO NOTHING"
	}
	keys := make(map[string]bool, len(spec.MergeKeys))
	quoted := make([]string, len(spec.MergeKeys))
	for i, k := range spec.MergeKeys {
		keys[k] = true
		quoted[i] = pgutil.QuoteColumn(k)
	}
	var sets []string
	for _, c := range spec.Columns {
		if keys[c.TargetColumn] {
			continue
		}
		q := pgutil.QuoteColumn(c.TargetColumn)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if capture {
		q := pgutil.QuoteColumn(AttachmentMetadataColumn)
		sets = append(sets, q+" = COALESCE(t."+q+", '{}'::jsonb) || EXCLUDED."+q)
	}
	clause := " ON CONFLICT (" + strings.Join(quoted, ", ") + ")"
	if len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func truncateSQL(target string, kind types.TableKind) string {
	// dimension rows may be referenced by previously loaded facts
	if kind == types.TableDimension {
		return "TRUNCATE TABLE " + target + " CASCADE"
	}
	return "TRUNCATE TABLE " + target
}

const attachmentUpdateSQL = `UPDATE %s SET
	attachment_url = $1,
	attachment_metadata = COALESCE(attachment_metadata, '{}'::jsonb) ||
		jsonb_build_object('attachments',
			COALESCE(attachment_metadata->'attachments', '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb))
	WHERE %s::text = $4`
