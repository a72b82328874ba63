package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/clock"
	"github.com/raphi011/cpm/internal/config"
	"github.com/raphi011/cpm/internal/profile"
)

// storeFactory builds the profile store for a repo root. Tests swap in
// an in-memory filesystem.
var storeFactory = func(root string) *profile.Store {
	return profile.NewStore(afero.NewOsFs(), root, clock.Real{})
}

// loadConfig returns the config from ctx, falling back to defaults.
func loadConfig(ctx context.Context) *config.Config {
	if cfg := config.FromContext(ctx); cfg != nil {
		return cfg
	}
	cfg := config.Default()
	return &cfg
}

// resolveTarget returns the project directory whose .claude/ is swapped:
// the --target flag, the configured target, or the parent of repo_root.
func resolveTarget(cfg *config.Config, flag string) (string, error) {
	if flag == "" {
		return cfg.ResolvedTarget(), nil
	}
	abs, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("resolve --target: %w", err)
	}
	return abs, nil
}

// validateEnum checks that value is one of allowed.
func validateEnum(value, flag string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid --%s %q (valid: %s)", flag, value, formatOptions(allowed))
}

// formatOptions formats a list of allowed values for error messages.
// E.g., ["a", "b", "c"] -> `"a", "b", or "c"`
func formatOptions(opts []string) string {
	quoted := make([]string, len(opts))
	for i, o := range opts {
		quoted[i] = fmt.Sprintf("%q", o)
	}
	if len(quoted) <= 2 {
		return strings.Join(quoted, " or ")
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + ", or " + quoted[len(quoted)-1]
}

// completeProfiles completes profile names from the profiles repository.
func completeProfiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := loadConfig(ctx)
	root := cfg.RepoRoot
	if flag, _ := cmd.Flags().GetString("repo-root"); flag != "" {
		root = flag
	}
	if root == "" {
		root = "."
	}

	profiles, err := storeFactory(root).List(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var matches []string
	for _, p := range profiles {
		if strings.HasPrefix(p.Name, toComplete) {
			matches = append(matches, p.Name+"\t"+p.Description)
		}
	}
	return matches, cobra.ShellCompDirectiveNoFileComp
}
