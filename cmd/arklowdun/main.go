package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"arklowdun/internal/app"
	"arklowdun/internal/ark"
	"arklowdun/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitUnhealthy = 2
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if ark.IsCode(err, ark.CodeDBUnhealthy) {
		return exitUnhealthy
	}
	return exitError
}

// loadConfig reads the config file, falling back to defaults, and overlays
// the environment.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.Load(defaults["config_path"], defaults["app_data_dir"], config.LoadEnv())
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newEngine reads the config and creates an Engine. The caller must defer
// e.Close().
func newEngine(ctx context.Context) (*app.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var emitter ark.Emitter = ark.NopEmitter{}
	if isTerminal(os.Stderr) {
		emitter = ark.EmitterFunc(func(event string, payload any) {
			data, _ := json.Marshal(payload)
			fmt.Fprintf(os.Stderr, "%s %s\n", event, data)
		})
	}

	e, err := app.New(ctx, cfg, app.Options{AppVersion: version, Emitter: emitter})
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	return e, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks before a destructive command. --yes skips the prompt; without
// it a non-interactive stdin refuses.
func confirm(cmd *cobra.Command, prompt string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return nil
	}
	if !isTerminal(os.Stdin) {
		return fmt.Errorf("%s: rerun with --yes to confirm", prompt)
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("aborted")
}

// parseInstant accepts epoch milliseconds or an RFC 3339 timestamp.
func parseInstant(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid instant %q: want epoch milliseconds or RFC 3339", s)
	}
	return t.UnixMilli(), nil
}

var rootCmd = &cobra.Command{
	Use:           "arklowdun",
	Short:         "Household data engine maintenance",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(hardRepairCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(attachmentsCmd)
	rootCmd.AddCommand(vaultMigrateCmd)
	rootCmd.AddCommand(reportsCmd)
}
