// Package report renders a migration report as an xlsx workbook.
package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// Sheet names, in workbook order.
const (
	SheetSummary     = "Summary"
	SheetStages      = "Stages"
	SheetTables      = "Tables"
	SheetValidations = "Validations"
	SheetAttachments = "Attachments"
	SheetErrors      = "Errors"
)

// Input is everything the workbook shows. Attachments are optional since
// the report itself only carries their counts.
type Input struct {
	Report      types.MigrationReport
	Attachments []types.AttachmentMigration
}

// Write renders in as a workbook onto w.
func Write(w io.Writer, in Input) error {
	f, err := Build(in)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// Build renders in into a new workbook. The caller closes it.
func Build(in Input) (*excelize.File, error) {
	f := excelize.NewFile()
	b := &builder{f: f}
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		_ = f.Close()
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}
	b.header = header

	rep := in.Report
	s := rep.Summary
	b.sheet(SheetSummary, []any{"Field", "Value"}, [][]any{
		{"Execution", rep.ExecutionID},
		{"Project", rep.ProjectID},
		{"Status", string(s.Status)},
		{"Start", timeCell(rep.StartTime)},
		{"End", timeCell(rep.EndTime)},
		{"Duration (ms)", rep.DurationMs},
		{"Tables migrated", s.TablesMigrated},
		{"Records processed", s.RecordsProcessed},
		{"Records failed", s.RecordsFailed},
		{"Validations passed", s.ValidationsPassed},
		{"Validations failed", s.ValidationsFailed},
		{"Validation warnings", s.ValidationWarnings},
		{"Attachments migrated", s.AttachmentsMigrated},
		{"Attachments failed", s.AttachmentsFailed},
		{"Identity mappings", s.IdentityMappings},
		{"Staging tables dropped", s.StagingTablesDropped},
	})

	var rows [][]any
	for _, st := range rep.Stages {
		rows = append(rows, []any{st.StageName, string(st.Status), st.Attempts, st.DurationMs,
			st.RecordsProcessed, st.RecordsFailed, st.ErrorMessage})
	}
	b.sheet(SheetStages, []any{"Stage", "Status", "Attempts", "Duration (ms)", "Processed", "Failed", "Error"}, rows)

	rows = nil
	for _, t := range rep.Tables {
		rows = append(rows, []any{t.SourceTable, t.TargetTable, string(t.Kind), t.IdentityMappings})
	}
	b.sheet(SheetTables, []any{"Source table", "Target table", "Kind", "Identity mappings"}, rows)

	rows = nil
	for _, v := range rep.Validations {
		rows = append(rows, []any{v.TableName, v.ValidationType, v.ExpectedValue, v.ActualValue, string(v.Status), v.Message})
	}
	b.sheet(SheetValidations, []any{"Table", "Check", "Expected", "Actual", "Status", "Message"}, rows)

	rows = nil
	for _, a := range in.Attachments {
		rows = append(rows, []any{a.DocumentID, a.AttachmentName, a.TableName, a.TargetID, string(a.Status),
			a.Attempts, a.SizeBytes, a.TargetURL, a.ErrorMessage})
	}
	b.sheet(SheetAttachments, []any{"Document", "Attachment", "Table", "Target id", "Status", "Attempts", "Bytes", "Target URL", "Error"}, rows)

	rows = nil
	for _, e := range rep.Errors {
		rows = append(rows, []any{"error", e})
	}
	for _, w := range rep.Warnings {
		rows = append(rows, []any{"warning", w})
	}
	b.sheet(SheetErrors, []any{"Level", "Message"}, rows)

	if b.err != nil {
		_ = f.Close()
		return nil, b.err
	}
	return f, nil
}

// builder keeps the first error so sheet writes read as a flat sequence.
type builder struct {
	f      *excelize.File
	header int
	err    error
}

func (b *builder) sheet(name string, header []any, rows [][]any) {
	if b.err != nil {
		return
	}
	if name != SheetSummary {
		if _, err := b.f.NewSheet(name); err != nil {
			b.err = fmt.Errorf("creating sheet %s: %w", name, err)
			return
		}
	}
	if err := b.f.SetSheetRow(name, "A1", &header); err != nil {
		b.err = fmt.Errorf("writing %s header: %w", name, err)
		return
	}
	if err := b.f.SetRowStyle(name, 1, 1, b.header); err != nil {
		b.err = fmt.Errorf("styling %s header: %w", name, err)
		return
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err == nil {
			err = b.f.SetSheetRow(name, cell, &row)
		}
		if err != nil {
			b.err = fmt.Errorf("writing %s row %s: %w", name, strconv.Itoa(i+2), err)
			return
		}
	}
	last, _ := excelize.ColumnNumberToName(len(header))
	b.err = b.f.SetColWidth(name, "A", last, 20)
}

func timeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
