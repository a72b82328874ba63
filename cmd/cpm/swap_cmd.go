package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/profile"
	"github.com/raphi011/cpm/internal/ui/styles"
)

func newSwapCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:               "swap <name>",
		Short:             "Apply a profile to the target directory",
		Aliases:           []string{"use"},
		GroupID:           GroupProfiles,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeProfiles,
		Long: `Replace the target project's .claude/ directory with a profile.

The existing .claude/ directory is removed. The /profiles command from the
repository's commands/ directory is injected so it stays available.

The target defaults to the configured target, or the parent of the
profiles repository.`,
		Example: `  cpm swap minimal                 # Apply built-in profile
  cpm swap my-setup --target ~/code/app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(ctx)
			l := log.FromContext(ctx)
			name := args[0]

			dir, err := resolveTarget(cfg, target)
			if err != nil {
				return err
			}

			info, err := storeFactory(cfg.RepoRoot).Apply(ctx, name, dir)
			if err != nil {
				var nf *profile.NotFoundError
				if errors.As(err, &nf) && len(nf.Available) > 0 {
					l.Printf("Available profiles:\n")
					for _, n := range nf.Available {
						l.Printf("  %s\n", n)
					}
				}
				return fmt.Errorf("swap: %w", err)
			}

			l.Println(styles.Check(fmt.Sprintf("Profile %q (%s) applied to %s", info.Name, info.Kind, dir)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target project directory")
	_ = cmd.MarkFlagDirname("target")

	return cmd
}
