package app

import (
	"context"

	"arklowdun/internal/ark"
	"arklowdun/internal/backup"
	"arklowdun/internal/bundle"
	"arklowdun/internal/health"
	"arklowdun/internal/repair"
	"arklowdun/internal/reports"
	"arklowdun/internal/vaultmigrate"
)

// BackupOverview reports disk usage and existing backups.
func (e *Engine) BackupOverview(ctx context.Context) (*backup.Overview, error) {
	return e.backups.Overview(ctx)
}

// BackupCreate snapshots the live database.
func (e *Engine) BackupCreate(ctx context.Context) (*backup.Entry, error) {
	op := e.begin(reports.KindBackup)
	entry, err := e.backups.Create(ctx)

	details := map[string]any{"backup_path": "", "size_bytes": 0}
	if entry != nil {
		details["backup_path"] = entry.Directory
		details["size_bytes"] = entry.TotalSizeBytes
		details["sqlite_path"] = entry.SQLitePath
	}
	e.record(ctx, op, details, err)
	return entry, err
}

// BackupReveal opens a backup in the platform file manager.
func (e *Engine) BackupReveal(sqlitePath string) error {
	return e.backups.Reveal(sqlitePath)
}

// RepairRun runs the guided repair pipeline under the maintenance flag. The
// live pool is closed for the swap and reopened afterwards.
func (e *Engine) RepairRun(ctx context.Context, observer repair.Observer) (*repair.Summary, error) {
	release, err := e.gate.BeginMaintenance("repair")
	if err != nil {
		return nil, err
	}
	defer release()
	defer e.ensureOpen(ctx)

	op := e.begin(reports.KindRepair)
	sum, err := repair.Run(ctx, repair.Options{
		DBPath:        e.cfg.DBPath(),
		BackupsDir:    e.cfg.BackupsDir(),
		Backup:        e.backups,
		FakeFreeBytes: e.cfg.FakeFreeBytes,
		Clock:         e.opts.Clock,
		Logger:        e.logger,
		BeforeSwap:    e.closeStore,
		AfterSwap:     func() (*health.Report, error) { return e.reopen(ctx) },
	}, observer)

	details := map[string]any{"success": false, "steps": []repair.StepResult{}}
	if sum != nil {
		details["success"] = sum.Success
		details["steps"] = sum.Steps
		details["backup_directory"] = sum.BackupDirectory
		details["archived_db_path"] = sum.ArchivedDBPath
		for _, s := range sum.Steps {
			if s.Status == repair.StatusWarning {
				op.MarkPartial(reports.ErrorItem{Code: "DB_REPAIR/STEP_WARNING", Message: s.Message,
					Context: map[string]any{"step": string(s.Step)}})
			}
		}
	}
	e.record(ctx, op, details, err)
	return sum, err
}

// HardRepairRun rebuilds the database row by row under the maintenance flag.
func (e *Engine) HardRepairRun(ctx context.Context) (*repair.HardOutcome, error) {
	release, err := e.gate.BeginMaintenance("hard_repair")
	if err != nil {
		return nil, err
	}
	defer release()
	defer e.ensureOpen(ctx)

	op := e.begin(reports.KindHardRepair)
	out, err := repair.RunHard(ctx, repair.HardOptions{
		DBPath:     e.cfg.DBPath(),
		BackupsDir: e.cfg.BackupsDir(),
		Clock:      e.opts.Clock,
		Logger:     e.logger,
		BeforeSwap: e.closeStore,
		AfterSwap:  func() (*health.Report, error) { return e.reopen(ctx) },
	})

	details := map[string]any{"outcome": "failed", "backup_path": ""}
	if out != nil {
		details["outcome"] = hardOutcomeLabel(out)
		details["backup_path"] = out.PreRepairPath
		details["tables"] = out.Tables
		details["report_path"] = out.ReportPath
		if !out.Success {
			op.MarkPartial(reports.ErrorItem{
				Code:    "DB_HARD_REPAIR/VERIFY_FAILED",
				Message: "rebuilt database failed verification and was kept aside",
				Context: map[string]any{"recovered_path": out.RecoveredPath},
			})
		}
	}
	e.record(ctx, op, details, err)
	return out, err
}

func hardOutcomeLabel(out *repair.HardOutcome) string {
	switch {
	case out.Success && out.Omitted:
		return "swapped_with_omissions"
	case out.Success:
		return "swapped"
	}
	return "kept_aside"
}

// ExportCreate writes a bundle under outParent.
func (e *Engine) ExportCreate(ctx context.Context, outParent string) (*bundle.ExportResult, error) {
	op := e.begin(reports.KindExport)
	exp := bundle.NewExporter(e.Store(), e.vault, bundle.ExportOptions{
		AppVersion:          e.opts.AppVersion,
		IncludeDomainTables: e.cfg.Export.IncludeDomainTables,
		FakeFreeBytes:       e.cfg.FakeFreeBytes,
		Clock:               e.opts.Clock,
		Logger:              e.logger,
	})
	res, err := exp.Export(ctx, outParent)

	details := map[string]any{"export_path": "", "tables": map[string]any{}}
	if res != nil {
		details["export_path"] = res.Directory
		counts := make(map[string]int64, len(res.Manifest.Tables))
		for name, t := range res.Manifest.Tables {
			counts[name] = t.Count
		}
		details["tables"] = counts
		details["attachments"] = res.Manifest.Attachments.TotalCount
		details["missing_attachments"] = res.MissingAttachments
	}
	e.record(ctx, op, details, err)
	return res, err
}

func (e *Engine) importer() *bundle.Importer {
	return bundle.NewImporter(e.Store(), e.vault, bundle.ImportOptions{
		MinimumAppVersion:         e.cfg.Import.MinimumAppVersion,
		ClearAttachmentsOnReplace: e.cfg.Import.ClearAttachmentsOnReplace,
		FakeFreeBytes:             e.cfg.FakeFreeBytes,
		Logger:                    e.logger,
	})
}

// ImportPreview validates a bundle and returns the plan mode would run.
func (e *Engine) ImportPreview(ctx context.Context, dir, mode string) (*bundle.PreviewResult, error) {
	m, err := bundle.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return e.importer().Preview(ctx, dir, m)
}

// ImportApply executes a bundle import. A replace import holds the
// maintenance flag for its whole duration. expected, when set, must match the
// plan execution recomputes.
func (e *Engine) ImportApply(ctx context.Context, dir, mode string, expected *bundle.Plan) (*bundle.ExecuteResult, error) {
	m, err := bundle.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if err := e.ensureWritable(ctx); err != nil {
		return nil, err
	}
	if m == bundle.ModeReplace {
		release, err := e.gate.BeginMaintenance("import_replace")
		if err != nil {
			return nil, err
		}
		defer release()
	}

	op := e.begin(reports.KindImport)
	res, err := e.importer().Apply(ctx, dir, m, expected)

	details := map[string]any{"mode": string(m), "tables": map[string]any{}, "bundle": dir}
	if res != nil && res.Plan != nil {
		details["tables"] = res.Plan.Tables
		details["attachments"] = res.Plan.Attachments
	}
	e.record(ctx, op, details, err)
	return res, err
}

// VaultMigrationStart relocates legacy attachment paths into the vault.
func (e *Engine) VaultMigrationStart(ctx context.Context, mode string) (*vaultmigrate.Summary, error) {
	m := vaultmigrate.Mode(mode)
	if m == vaultmigrate.ModeApply {
		if err := e.ensureWritable(ctx); err != nil {
			return nil, err
		}
	}

	op := e.begin(reports.KindVaultMigration)
	e.mu.RLock()
	migrator := e.migrator
	e.mu.RUnlock()
	sum, err := migrator.Start(ctx, m)

	details := map[string]any{"mode": mode, "counts": map[string]int{}}
	if sum != nil {
		details["counts"] = map[string]int{
			"processed": sum.Processed,
			"planned":   sum.Planned,
			"moved":     sum.Moved,
			"renamed":   sum.Renamed,
			"failed":    sum.Failed,
		}
		details["resumed"] = sum.Resumed
		if sum.Failed > 0 {
			op.MarkPartial(reports.ErrorItem{
				Code:    ark.CodeVaultSourceMissing,
				Message: "some rows could not be migrated; see the migration manifest",
				Context: map[string]any{"failed": sum.Failed},
			})
		}
	}
	e.record(ctx, op, details, err)
	return sum, err
}

// VaultMigrationStatus returns the state of the current or last migration.
func (e *Engine) VaultMigrationStatus() (*vaultmigrate.Status, error) {
	e.mu.RLock()
	migrator := e.migrator
	e.mu.RUnlock()
	return migrator.Status()
}
