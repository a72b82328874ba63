package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/config"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/output"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	repoRoot string
)

// Command group IDs for organizing help output
const (
	GroupProfiles    = "profiles"
	GroupMarketplace = "marketplace"
	GroupConfig      = "config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cpm",
	Short: "Claude profile manager",
	Long: `cpm manages Claude Code profiles: bundles of .claude/ configuration
that can be listed, swapped into a project, saved from a project and
published to a shared marketplace repository.`,
	SilenceUsage:               true,
	SilenceErrors:              true,
	SuggestionsMinimumDistance: 2, // Enable typo suggestions
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "help" {
			return nil
		}

		ctx := cmd.Context()
		ctx = log.WithLogger(ctx, log.New(os.Stderr, verbose, quiet))

		cfg := loadConfig(ctx)
		if repoRoot != "" {
			abs, err := filepath.Abs(repoRoot)
			if err != nil {
				return fmt.Errorf("resolve --repo-root: %w", err)
			}
			cfg.RepoRoot = abs
		}
		if cfg.RepoRoot == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
			cfg.RepoRoot = wd
		}

		log.FromContext(ctx).Debug("config", "repo_root", cfg.RepoRoot, "marketplace", cfg.Marketplace.Repo)
		cmd.SetContext(config.WithConfig(ctx, cfg))
		return nil
	},
	// Run is not set - shows help when no subcommand provided
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	loadedCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = config.WithConfig(ctx, &loadedCfg)
	// Replaced once flags are parsed
	ctx = log.WithLogger(ctx, log.New(os.Stderr, false, false))
	ctx = output.WithPrinter(ctx, os.Stdout)

	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run 'cpm -h' for help")
		cancel()
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show requests and external commands being executed")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all log output")
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", "", "Path to the profiles repository (default: config repo_root or current directory)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	_ = rootCmd.MarkPersistentFlagDirname("repo-root")

	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupProfiles, Title: "Profile Commands:"},
		&cobra.Group{ID: GroupMarketplace, Title: "Marketplace Commands:"},
		&cobra.Group{ID: GroupConfig, Title: "Configuration Commands:"},
	)

	// Profile commands
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newSwapCmd())
	rootCmd.AddCommand(newSaveCmd())

	// Marketplace commands
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newRepoCmd())

	// Config commands
	rootCmd.AddCommand(newVersionCmd())
}
