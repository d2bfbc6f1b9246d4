package bundle

import (
	"context"

	"arklowdun/internal/ark"
	"arklowdun/internal/database"
	"arklowdun/internal/vault"
)

// ImportOptions configures an Importer.
type ImportOptions struct {
	MinimumAppVersion         string
	ClearAttachmentsOnReplace bool
	FakeFreeBytes             *uint64
	Logger                    ark.Logger
}

// Importer validates, plans and executes bundle imports.
type Importer struct {
	store *database.Store
	vault *vault.Vault
	opts  ImportOptions
}

// NewImporter creates an Importer.
func NewImporter(store *database.Store, v *vault.Vault, opts ImportOptions) *Importer {
	if opts.Logger == nil {
		opts.Logger = ark.NewNopLogger()
	}
	return &Importer{store: store, vault: v, opts: opts}
}

// PreviewResult is a validated bundle and the plan importing it would run.
type PreviewResult struct {
	Bundle   string   `json:"bundle"`
	Manifest Manifest `json:"manifest"`
	Plan     *Plan    `json:"plan"`
}

func (i *Importer) load(ctx context.Context, dir string) (*Bundle, error) {
	b, err := Load(dir)
	if err != nil {
		return nil, err
	}
	err = Validate(ctx, i.store, b, ValidateOptions{
		MinimumAppVersion: i.opts.MinimumAppVersion,
		TargetDir:         i.vault.Root(),
		FakeFreeBytes:     i.opts.FakeFreeBytes,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Preview validates the bundle at dir and builds its plan without writing.
func (i *Importer) Preview(ctx context.Context, dir string, mode Mode) (*PreviewResult, error) {
	b, err := i.load(ctx, dir)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(ctx, i.store, i.vault, b, mode)
	if err != nil {
		return nil, err
	}
	i.opts.Logger.Info("import preview", "mode", mode, "tables", len(plan.Tables), "attachments", len(b.Attachments))
	return &PreviewResult{Bundle: dir, Manifest: b.Manifest, Plan: plan}, nil
}

// Apply validates the bundle at dir and executes it. When expected is nil a
// fresh plan is built and executed; otherwise execution must reproduce
// expected exactly.
func (i *Importer) Apply(ctx context.Context, dir string, mode Mode, expected *Plan) (*ExecuteResult, error) {
	b, err := i.load(ctx, dir)
	if err != nil {
		return nil, err
	}
	if expected == nil {
		if expected, err = BuildPlan(ctx, i.store, i.vault, b, mode); err != nil {
			return nil, err
		}
	} else if expected.Mode != mode {
		return nil, ark.New(ark.CodeInvalidInput, "plan mode does not match the requested mode").
			With("plan_mode", expected.Mode).With("mode", mode)
	}
	res, err := Execute(ctx, i.store, i.vault, b, expected, ExecuteOptions{
		ClearAttachmentsOnReplace: i.opts.ClearAttachmentsOnReplace,
		Logger:                    i.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	i.opts.Logger.Info("import applied", "mode", mode, "elapsed_ms", res.ElapsedMS)
	return res, nil
}
