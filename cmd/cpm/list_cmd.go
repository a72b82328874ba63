package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/output"
	"github.com/raphi011/cpm/internal/ui/static"
)

var listFormats = []string{"table", "json", "yaml"}

func newListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List available profiles (built-in and custom)",
		Aliases: []string{"ls"},
		GroupID: GroupProfiles,
		Args:    cobra.NoArgs,
		Long: `List the profiles in the profiles repository.

Built-in profiles live in claude-profiles/, custom profiles saved with
'cpm save' live in custom-profiles/. Built-ins are listed first.`,
		Example: `  cpm list                     # Table of all profiles
  cpm list --format json       # Output as JSON
  cpm list --repo-root ~/ff-profiles`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(ctx)
			l := log.FromContext(ctx)
			out := output.FromContext(ctx)

			if err := validateEnum(format, "format", listFormats); err != nil {
				return err
			}

			profiles, err := storeFactory(cfg.RepoRoot).List(ctx)
			if err != nil {
				return fmt.Errorf("list profiles: %w", err)
			}
			l.Debug("listed profiles", "root", cfg.RepoRoot, "count", len(profiles))

			switch format {
			case "json":
				return out.JSON(profiles)
			case "yaml":
				return out.YAML(profiles)
			}

			if len(profiles) == 0 {
				l.Printf("No profiles found in %s\n", cfg.RepoRoot)
				return nil
			}
			out.Print(static.RenderProfiles(profiles))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: "+formatOptions(listFormats))
	_ = cmd.RegisterFlagCompletionFunc("format", cobra.FixedCompletions(listFormats, cobra.ShellCompDirectiveNoFileComp))

	return cmd
}
