package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"arklowdun/internal/ark"
	"arklowdun/internal/bundle"
	"arklowdun/internal/repair"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database health",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		rep, err := e.HealthRun(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		if !rep.OK() {
			return ark.New(ark.CodeDBUnhealthy, "database is unhealthy: "+rep.Summary())
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
}

var backupOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show disk usage and existing backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		ov, err := e.BackupOverview(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(ov)
		}

		fmt.Printf("Database:   %s\n", humanize.IBytes(uint64(ov.DBSizeBytes)))
		fmt.Printf("Available:  %s (need %s)\n", humanize.IBytes(ov.AvailableBytes), humanize.IBytes(uint64(ov.RequiredFreeBytes)))
		fmt.Printf("Retention:  %d backups / %s\n", ov.RetentionMaxCount, humanize.IBytes(uint64(ov.RetentionMaxBytes)))
		if len(ov.Backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		fmt.Println()
		for _, b := range ov.Backups {
			created := b.Manifest.CreatedAt
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				created = humanize.Time(t)
			}
			fmt.Printf("%-20s  %10s  %s\n", b.Directory, humanize.IBytes(uint64(b.TotalSizeBytes)), created)
		}
		return nil
	},
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the live database",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		entry, err := e.BackupCreate(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backup written to %s (%s)\n", entry.Directory, humanize.IBytes(uint64(entry.TotalSizeBytes)))
		return nil
	},
}

var backupRevealCmd = &cobra.Command{
	Use:   "reveal SQLITE_PATH",
	Short: "Open a backup in the file manager",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()
		return e.BackupReveal(args[0])
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run the guided database repair",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := confirm(cmd, "Repair snapshots and rebuilds the database. Continue?"); err != nil {
			return err
		}
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		sum, err := e.RepairRun(cmd.Context(), func(ev repair.Event) {
			if ev.Message != "" {
				fmt.Fprintf(os.Stderr, "%-10s %-8s %s\n", ev.Step, ev.Status, ev.Message)
				return
			}
			fmt.Fprintf(os.Stderr, "%-10s %s\n", ev.Step, ev.Status)
		})
		if sum != nil {
			if perr := printJSON(sum); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	},
}

var hardRepairCmd = &cobra.Command{
	Use:   "hard-repair",
	Short: "Rebuild the database row by row",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := confirm(cmd, "Hard repair copies every readable row into a new database. Continue?"); err != nil {
			return err
		}
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.HardRepairRun(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export PARENT_DIR",
	Short: "Export a bundle under PARENT_DIR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.ExportCreate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an exported bundle",
}

var importPreviewCmd = &cobra.Command{
	Use:   "preview BUNDLE_DIR",
	Short: "Validate a bundle and show its import plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.ImportPreview(cmd.Context(), args[0], mode)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var importApplyCmd = &cobra.Command{
	Use:   "apply BUNDLE_DIR",
	Short: "Import a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		planPath, _ := cmd.Flags().GetString("plan")

		if mode == string(bundle.ModeReplace) {
			if err := confirm(cmd, "Replace import discards every existing row. Continue?"); err != nil {
				return err
			}
		}

		var expected *bundle.Plan
		if planPath != "" {
			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("reading plan: %w", err)
			}
			var preview bundle.PreviewResult
			if err := json.Unmarshal(data, &preview); err != nil {
				return fmt.Errorf("decoding plan: %w", err)
			}
			expected = preview.Plan
		}

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.ImportApply(cmd.Context(), args[0], mode, expected)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	backupCmd.AddCommand(backupOverviewCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRevealCmd)
	backupOverviewCmd.Flags().Bool("json", false, "Print the overview as JSON")

	repairCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	hardRepairCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	importCmd.AddCommand(importPreviewCmd)
	importCmd.AddCommand(importApplyCmd)
	for _, c := range []*cobra.Command{importPreviewCmd, importApplyCmd} {
		c.Flags().String("mode", string(bundle.ModeMerge), "Import mode: merge or replace")
	}
	importApplyCmd.Flags().String("plan", "", "Preview output the execution must reproduce")
	importApplyCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
}
