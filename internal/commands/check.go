package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/orchestrator"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// NewCheckCmd creates the check command.
func NewCheckCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate ferry.yaml and every project mapping without connecting anywhere",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(dir, os.Stdout)
		},
	}
	addConfigFlag(cmd, &dir)
	return cmd
}

func runCheck(dir string, w io.Writer) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	projects, err := config.LoadProjects(cfg.ProjectDirs)
	if err != nil {
		return err
	}

	bad := 0
	for _, p := range projects {
		if err := checkProject(p); err != nil {
			bad++
			_, _ = fmt.Fprintf(w, "%s %s: %v\n", color.RedString("✗"), p.ID, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s %s: %d dimension, %d fact tables\n", color.GreenString("✓"), p.ID,
			len(p.TablesOfKind(types.TableDimension)), len(p.TablesOfKind(types.TableFact)))
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d projects invalid", bad, len(projects))
	}
	return nil
}

func checkProject(p types.Project) error {
	if err := orchestrator.ValidateProject(p); err != nil {
		return err
	}
	return orchestrator.ValidateConfig(p.Pipeline)
}
