package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"arklowdun/internal/app"
	"arklowdun/internal/fileops"
	"arklowdun/internal/filesindex"
	"arklowdun/internal/reports"
	"arklowdun/internal/vault"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and maintain events",
}

var eventsRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "List events and recurring instances in a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")
		startRaw, _ := cmd.Flags().GetString("start")
		endRaw, _ := cmd.Flags().GetString("end")

		start, err := parseInstant(startRaw)
		if err != nil {
			return err
		}
		end, err := parseInstant(endRaw)
		if err != nil {
			return err
		}

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.EventsListRange(cmd.Context(), household, start, end)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var eventsBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fill UTC timestamps from legacy wall-clock columns",
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")
		dropLegacy, _ := cmd.Flags().GetBool("drop-legacy")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := app.Backfill(cmd.Context(), cfg, household, dropLegacy, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d, updated %d, skipped %d\n", res.Scanned, res.Updated, res.Skipped)
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage vault files",
}

var filesReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild a household's files index",
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")
		mode, _ := cmd.Flags().GetString("mode")

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		var sink filesindex.ProgressSink
		if isTerminal(os.Stderr) {
			sink = filesindex.SinkFunc(func(p filesindex.Progress) error {
				fmt.Fprintf(os.Stderr, "\rscanned %d, updated %d, skipped %d", p.Scanned, p.Updated, p.Skipped)
				if p.Done {
					fmt.Fprintln(os.Stderr)
				}
				return nil
			})
		}

		sum, err := e.FilesIndexRebuild(cmd.Context(), household, mode, sink)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var filesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a household's files index is current",
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.FilesIndexStatus(cmd.Context(), household)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var filesMoveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move a vault file and update its references",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req fileops.MoveRequest
		req.HouseholdID, _ = cmd.Flags().GetString("household")
		fromCategory, _ := cmd.Flags().GetString("from-category")
		toCategory, _ := cmd.Flags().GetString("to-category")
		req.FromRelative, _ = cmd.Flags().GetString("from")
		req.ToRelative, _ = cmd.Flags().GetString("to")
		conflict, _ := cmd.Flags().GetString("conflict")
		req.FromCategory = vault.Category(fromCategory)
		req.ToCategory = vault.Category(toCategory)
		req.Conflict = fileops.ConflictPolicy(conflict)

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.FileMove(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var attachmentsCmd = &cobra.Command{
	Use:   "attachments",
	Short: "Find and resolve missing attachments",
}

var attachmentsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for attachments whose files are missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		sum, err := e.AttachmentsRepair(cmd.Context(), fileops.RepairRequest{
			HouseholdID: household,
			Mode:        fileops.RepairScan,
		})
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var attachmentsApplyCmd = &cobra.Command{
	Use:   "apply ACTIONS_JSON",
	Short: "Apply repair actions read from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		household, _ := cmd.Flags().GetString("household")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading actions: %w", err)
		}
		actions := []fileops.RepairAction{}
		if err := json.Unmarshal(data, &actions); err != nil {
			return fmt.Errorf("decoding actions: %w", err)
		}

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		sum, err := e.AttachmentsRepair(cmd.Context(), fileops.RepairRequest{
			HouseholdID: household,
			Mode:        fileops.RepairApply,
			Actions:     actions,
		})
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var vaultMigrateCmd = &cobra.Command{
	Use:   "vault-migrate",
	Short: "Relocate legacy attachment paths into the vault",
}

var vaultMigrateStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or resume a migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		sum, err := e.VaultMigrationStart(cmd.Context(), mode)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var vaultMigrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.VaultMigrationStatus()
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect ops reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list [KIND]",
	Short: "List stored reports, oldest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := reports.Kinds()
		if len(args) == 1 {
			kinds = []reports.Kind{reports.Kind(args[0])}
		}

		e, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		for _, kind := range kinds {
			entries, err := e.ReportsList(kind)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Printf("%s/%s\n", kind, entry)
			}
		}
		return nil
	},
}

func init() {
	eventsCmd.AddCommand(eventsRangeCmd)
	eventsCmd.AddCommand(eventsBackfillCmd)
	eventsRangeCmd.Flags().String("household", "", "Household id")
	eventsRangeCmd.Flags().String("start", "", "Window start (epoch ms or RFC 3339)")
	eventsRangeCmd.Flags().String("end", "", "Window end (epoch ms or RFC 3339)")
	eventsRangeCmd.MarkFlagRequired("household")
	eventsRangeCmd.MarkFlagRequired("start")
	eventsRangeCmd.MarkFlagRequired("end")
	eventsBackfillCmd.Flags().String("household", "", "Limit to one household")
	eventsBackfillCmd.Flags().Bool("drop-legacy", false, "Drop start_at/end_at once nothing is pending")

	filesCmd.AddCommand(filesReindexCmd)
	filesCmd.AddCommand(filesStatusCmd)
	filesCmd.AddCommand(filesMoveCmd)
	for _, c := range []*cobra.Command{filesReindexCmd, filesStatusCmd, filesMoveCmd} {
		c.Flags().String("household", "", "Household id")
		c.MarkFlagRequired("household")
	}
	filesReindexCmd.Flags().String("mode", string(filesindex.ModeIncremental), "Rebuild mode: full or incremental")
	filesMoveCmd.Flags().String("from-category", "", "Source category")
	filesMoveCmd.Flags().String("from", "", "Source path relative to the category")
	filesMoveCmd.Flags().String("to-category", "", "Target category (defaults to the source category)")
	filesMoveCmd.Flags().String("to", "", "Target path relative to the category")
	filesMoveCmd.Flags().String("conflict", string(fileops.ConflictRename), "On existing target: rename or fail")
	filesMoveCmd.MarkFlagRequired("from-category")
	filesMoveCmd.MarkFlagRequired("from")
	filesMoveCmd.MarkFlagRequired("to")
	filesMoveCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if to, _ := cmd.Flags().GetString("to-category"); to == "" {
			from, _ := cmd.Flags().GetString("from-category")
			cmd.Flags().Set("to-category", from)
		}
	}

	attachmentsCmd.AddCommand(attachmentsScanCmd)
	attachmentsCmd.AddCommand(attachmentsApplyCmd)
	for _, c := range []*cobra.Command{attachmentsScanCmd, attachmentsApplyCmd} {
		c.Flags().String("household", "", "Household id")
		c.MarkFlagRequired("household")
	}

	vaultMigrateCmd.AddCommand(vaultMigrateStartCmd)
	vaultMigrateCmd.AddCommand(vaultMigrateStatusCmd)
	vaultMigrateStartCmd.Flags().String("mode", "dry-run", "Migration mode: dry-run or apply")

	reportsCmd.AddCommand(reportsListCmd)
}
