package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/raphi011/cpm/internal/config"
	"github.com/raphi011/cpm/internal/credential"
	"github.com/raphi011/cpm/internal/deviceauth"
	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/fork"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/marketplace"
	"github.com/raphi011/cpm/internal/output"
	"github.com/raphi011/cpm/internal/profile"
	"github.com/raphi011/cpm/internal/publish"
	"github.com/raphi011/cpm/internal/ui/progress"
	"github.com/raphi011/cpm/internal/ui/prompt"
	"github.com/raphi011/cpm/internal/ui/styles"
)

// errNoMarketplace is returned when neither config nor --repo name a marketplace.
var errNoMarketplace = errors.New("no marketplace repository configured, run 'cpm repo set <owner/repo>' or pass --repo")

func newPublishCmd() *cobra.Command {
	var (
		repo     string
		copyCode bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:               "publish <name>",
		Short:             "Publish a profile to the marketplace",
		GroupID:           GroupMarketplace,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeProfiles,
		Long: `Submit a profile to the marketplace repository as a pull request.

Credentials are taken from CPM_TOKEN or the git credential helper. Without
them, or when they cannot write to the marketplace, a browser login (OAuth
device flow) is started and the submission is made from your fork.

The pull request adds profiles/<you>/<name>/profile.json and snapshot.zip
and updates index.json.`,
		Example: `  cpm publish my-setup
  cpm publish my-setup --repo acme/claude-profile-marketplace
  cpm publish my-setup --copy-code --yes`,
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cfg := loadConfig(ctx)
			l := log.FromContext(ctx)
			out := output.FromContext(ctx)
			name := args[0]

			if repo == "" {
				repo = cfg.Marketplace.Repo
			}
			if repo == "" {
				return errNoMarketplace
			}
			if err := marketplace.ValidateRepo(repo); err != nil {
				return err
			}

			md, snapshot, err := storeFactory(cfg.RepoRoot).LoadForPublish(ctx, name)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			req := publish.Request{Name: name, Metadata: *md, Snapshot: snapshot}
			if err := publish.Validate(req); err != nil {
				return err
			}

			l.Println()
			l.Println(styles.Bold.Render("Publish Profile to Marketplace"))
			l.Println(styles.MutedStyle.Render(strings.Repeat("─", 50)))
			l.Printf("%s", summary(md, len(snapshot), repo))

			if !yes {
				if !progress.Enabled(os.Stdin) {
					return fmt.Errorf("stdin is not a terminal, pass --yes to publish without confirmation")
				}
				res, err := prompt.Confirm(fmt.Sprintf("Publish %s to %s?", name, repo), true)
				if err != nil {
					return err
				}
				if res.Cancelled || !res.Confirmed {
					l.Println("Aborted.")
					return nil
				}
			}

			var spinner *progress.Spinner
			if progress.Enabled(os.Stderr) && !quiet {
				spinner = progress.NewSpinner("Checking credentials...")
				spinner.Start()
				defer spinner.Stop()
			}

			svc := newPublishService(cfg, repo, publish.Config{
				OnStage: func(stage publish.Stage, detail string) {
					msg := stageMessage(stage, detail)
					if spinner != nil {
						spinner.UpdateMessage(msg)
						return
					}
					l.Println(msg)
				},
				Prompt: func(v deviceauth.Verification) {
					if spinner != nil {
						spinner.Pause()
						defer spinner.Start()
					}
					l.Println(verificationBox(v))
					if copyCode {
						if err := clipboard.WriteAll(v.UserCode); err != nil {
							l.Printf("Warning: failed to copy code to clipboard: %v\n", err)
						} else {
							l.Println(styles.MutedStyle.Render("  Code copied to clipboard"))
						}
					}
				},
			})

			res, err := svc.Publish(ctx, req)
			if spinner != nil {
				spinner.Stop()
			}
			if err != nil {
				return fmt.Errorf("publish %s: %w", name, err)
			}

			headline := "Pull request created"
			if res.Existing {
				headline = "Pull request already open, updated its branch"
			}
			if res.UsedFork {
				headline += fmt.Sprintf(" from %s", res.Repo)
			}
			l.Println(styles.Check(headline))
			out.Println(res.PullRequest.URL)
			l.Println(styles.MutedStyle.Render("A maintainer will review and merge your profile."))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Marketplace repository (owner/repo), overrides config")
	cmd.Flags().BoolVar(&copyCode, "copy-code", false, "Copy the browser login code to the clipboard")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Publish without confirmation")

	return cmd
}

// newPublishService wires the publish flow from config.
func newPublishService(cfg *config.Config, repo string, pc publish.Config) *publish.Service {
	gh := forge.NewGitHub(cfg.Marketplace.APIURL, nil)

	var creds credential.Source
	if cfg.Token != "" {
		creds = credential.Static(cfg.Token)
	} else {
		git := credential.NewGit(cfg.Auth.CredentialHost)
		if t := cfg.Auth.CredentialTimeout(); t > 0 {
			git.Timeout = t
		}
		creds = git
	}

	auth := deviceauth.New(deviceauth.Config{
		ClientID:      cfg.Auth.ClientID,
		Scope:         cfg.Auth.Scope,
		DeviceCodeURL: cfg.Auth.DeviceCodeURL,
		TokenURL:      cfg.Auth.TokenURL,
	})

	pc.Repo = repo
	pc.BaseBranch = cfg.Marketplace.BaseBranch
	forks := fork.NewManager(gh, pc.BaseBranch, fork.DefaultPolicy)
	return publish.New(gh, creds, auth, forks, pc)
}

// summary renders the profile overview shown before publishing.
func summary(md *profile.Metadata, size int, repo string) string {
	label := styles.PrimaryStyle.Render
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", label("  Name:   "), md.Name)
	fmt.Fprintf(&b, "%s %s\n", label("  Version:"), md.VersionOrDefault())
	fmt.Fprintf(&b, "%s %s\n", label("  Size:   "), humanize.Bytes(uint64(size)))
	if md.Description != "" {
		fmt.Fprintf(&b, "%s %s\n", label("  Desc:   "), md.Description)
	}
	fmt.Fprintf(&b, "%s %s\n", label("  Repo:   "), repo)
	for _, cat := range md.Contents.Categories() {
		fmt.Fprintf(&b, "%s %s\n", label("  "+cat+":"), styles.MutedStyle.Render(strings.Join(md.Contents.Display(cat), ", ")))
	}
	b.WriteString("\n")
	return b.String()
}

// stageMessage describes a publish stage for the spinner.
func stageMessage(stage publish.Stage, detail string) string {
	msg := stage.String()
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	switch stage {
	case publish.StageIdentity:
		if detail != "" {
			msg = "Publishing as " + detail
		}
	case publish.StagePublishing, publish.StageRetryingWithFork:
		if detail != "" {
			msg += " on " + detail
		}
	}
	return msg + "..."
}

// verificationBox renders the device-flow instructions.
func verificationBox(v deviceauth.Verification) string {
	body := fmt.Sprintf("Open: %s\nEnter code: %s\nExpires: %s",
		styles.Bold.Render(v.URI),
		styles.AccentStyle.Render(v.UserCode),
		humanize.Time(v.ExpiresAt))
	return styles.Box.Render(body)
}
