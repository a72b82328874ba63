package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/profile"
	"github.com/raphi011/cpm/internal/ui/styles"
)

func newSaveCmd() *cobra.Command {
	var (
		target      string
		description string
		force       bool
	)

	cmd := &cobra.Command{
		Use:     "save <name>",
		Short:   "Save the current .claude/ directory as a custom profile",
		GroupID: GroupProfiles,
		Args:    cobra.ExactArgs(1),
		Long: `Copy the target project's .claude/ directory into custom-profiles/<name>.

Names may only contain letters, digits, hyphens and underscores and must
not shadow a built-in profile. profile.json and snapshot.zip are written so
the profile can be published with 'cpm publish'.`,
		Example: `  cpm save my-setup
  cpm save my-setup --description "Go backend tooling"
  cpm save my-setup --force        # Overwrite existing custom profile`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(ctx)
			l := log.FromContext(ctx)
			name := args[0]

			if strings.HasPrefix(description, "--") {
				return fmt.Errorf("--description requires a value")
			}

			dir, err := resolveTarget(cfg, target)
			if err != nil {
				return err
			}

			info, err := storeFactory(cfg.RepoRoot).Save(ctx, name, dir, profile.SaveOptions{
				Description: description,
				Force:       force,
			})
			if err != nil {
				return fmt.Errorf("save: %w", err)
			}

			l.Println(styles.Check(fmt.Sprintf("Profile %q saved to %s", info.Name, info.Dir)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target project directory")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Description for the saved profile")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing custom profile")
	_ = cmd.MarkFlagDirname("target")

	return cmd
}
