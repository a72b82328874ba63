package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/config"
	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/marketplace"
	"github.com/raphi011/cpm/internal/output"
	"github.com/raphi011/cpm/internal/ui/styles"
)

// configPath is where 'cpm repo set' writes. Tests point it elsewhere.
var configPath = config.Path

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repo",
		Short:   "Show or set the marketplace repository",
		GroupID: GroupMarketplace,
		Args:    cobra.NoArgs,
	}

	cmd.AddCommand(newRepoShowCmd())
	cmd.AddCommand(newRepoSetCmd())

	return cmd
}

func newRepoShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the configured marketplace repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(ctx)
			out := output.FromContext(ctx)

			if cfg.Marketplace.Repo == "" {
				log.FromContext(ctx).Println("No marketplace repository configured. Set one with: cpm repo set <owner/repo>")
				return nil
			}
			out.Println(cfg.Marketplace.Repo)
			return nil
		},
	}
}

func newRepoSetCmd() *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "set <owner/repo>",
		Short: "Set the marketplace repository",
		Args:  cobra.ExactArgs(1),
		Long: `Set the repository profiles are published to.

The repository must be reachable. A missing index.json is fine, it is
created by the first published profile.`,
		Example: `  cpm repo set acme/claude-profile-marketplace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig(ctx)
			l := log.FromContext(ctx)
			repo := args[0]

			if err := marketplace.ValidateRepo(repo); err != nil {
				return err
			}

			if !skipCheck {
				gh := forge.NewGitHub(cfg.Marketplace.APIURL, nil)
				if err := checkMarketplace(ctx, gh, cfg.Token, repo, cfg.Marketplace.BaseBranch); err != nil {
					return err
				}
			}

			path, err := configPath()
			if err != nil {
				return fmt.Errorf("locate config: %w", err)
			}
			if err := config.Update(afero.NewOsFs(), path, func(c *config.Config) {
				c.Marketplace.Repo = repo
			}); err != nil {
				return fmt.Errorf("update config: %w", err)
			}
			cfg.Marketplace.Repo = repo

			l.Println(styles.Check("Repository set to: " + styles.Bold.Render(repo)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "no-check", false, "Do not check that the repository is reachable")

	return cmd
}

// checkMarketplace checks that repo's index.json can be read. A missing
// index is accepted.
func checkMarketplace(ctx context.Context, f forge.Forge, token, repo, branch string) error {
	_, err := f.GetFileContents(ctx, token, repo, marketplace.IndexPath, branch)
	if err == nil || errors.Is(err, forge.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("repository %s not accessible: %w", repo, err)
}
