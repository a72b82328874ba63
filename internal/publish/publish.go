// Package publish submits a local profile to the marketplace as a pull
// request.
//
// A publish starts with a cached git credential and writes directly to the
// marketplace repository. When that token is forbidden from writing, the
// user is sent through the OAuth device flow and the submission is retried
// exactly once through a fork. Without a cached credential the device flow
// runs up front and the fork route is used from the start.
package publish

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/raphi011/cpm/internal/clock"
	"github.com/raphi011/cpm/internal/credential"
	"github.com/raphi011/cpm/internal/deviceauth"
	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/marketplace"
	"github.com/raphi011/cpm/internal/profile"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Stage is a step of the publish flow, reported through Config.OnStage.
type Stage int

const (
	StageCredentials Stage = iota
	StageDeviceAuth
	StageIdentity
	StagePublishing
	StageRetryingWithFork
)

func (s Stage) String() string {
	switch s {
	case StageCredentials:
		return "checking credentials"
	case StageDeviceAuth:
		return "waiting for browser authorization"
	case StageIdentity:
		return "verifying identity"
	case StagePublishing:
		return "creating pull request"
	case StageRetryingWithFork:
		return "retrying with fork-based pull request"
	}
	return "unknown"
}

// Authenticator obtains a token interactively.
type Authenticator interface {
	Authenticate(ctx context.Context, prompt deviceauth.Prompt) (*oauth2.Token, error)
}

// ForkEnsurer returns a ready fork of upstream owned by the token's user.
type ForkEnsurer interface {
	EnsureFork(ctx context.Context, token, upstream string) (string, error)
}

// Config wires a Service.
type Config struct {
	// Repo is the upstream marketplace, "owner/repo".
	Repo string
	// BaseBranch is the upstream branch submissions target.
	BaseBranch string
	Clock      clock.Clock

	// OnStage is told when the flow enters a stage. detail is the login for
	// StageIdentity and the write target for the publishing stages.
	OnStage func(stage Stage, detail string)
	// Prompt shows the device-flow verification code.
	Prompt deviceauth.Prompt
}

// Service publishes profiles.
type Service struct {
	forge forge.Forge
	creds credential.Source
	auth  Authenticator
	forks ForkEnsurer
	cfg   Config
}

// New creates a Service.
func New(f forge.Forge, creds credential.Source, auth Authenticator, forks ForkEnsurer, cfg Config) *Service {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = marketplace.BaseBranch
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Service{forge: f, creds: creds, auth: auth, forks: forks, cfg: cfg}
}

// Request is one profile to publish.
type Request struct {
	Name     string
	Metadata profile.Metadata
	Snapshot []byte
}

// Result describes a successful publish.
type Result struct {
	PullRequest forge.PullRequest
	// Author is the login the submission was made as.
	Author string
	// Repo is the repository the branch was written to.
	Repo     string
	UsedFork bool
	// Attempts is 2 when the fork fallback ran.
	Attempts int
	// Existing is set when an open pull request for the branch already
	// existed and was reused.
	Existing bool
}

// Validate checks the local preconditions of req.
func Validate(req Request) error {
	switch {
	case !namePattern.MatchString(req.Name):
		return &InvalidProfileError{Reason: fmt.Sprintf("name %q may only contain letters, digits, '-' and '_'", req.Name)}
	case req.Metadata.Contents.Empty():
		return &InvalidProfileError{Reason: "no functional content (commands, agents, skills, hooks)"}
	case len(req.Snapshot) == 0:
		return &InvalidProfileError{Reason: "snapshot is empty"}
	}
	if err := req.Metadata.ValidateVersion(); err != nil {
		return &InvalidProfileError{Reason: err.Error()}
	}
	return nil
}

func (s *Service) stage(stage Stage, detail string) {
	if s.cfg.OnStage != nil {
		s.cfg.OnStage(stage, detail)
	}
}

// Publish submits req and returns the pull request.
func (s *Service) Publish(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	l := log.FromContext(ctx)
	runID := uuid.NewString()
	l.Debug("publish started", "run", runID, "profile", req.Name, "repo", s.cfg.Repo)

	s.stage(StageCredentials, "")
	token, ok := s.creds.Token(ctx)
	useFork := false
	if !ok {
		l.Debug("no cached credentials, using device flow", "run", runID)
		var err error
		if token, err = s.deviceToken(ctx); err != nil {
			return nil, err
		}
		useFork = true
	}

	author, err := s.identity(ctx, token)
	if err != nil {
		return nil, err
	}

	s.stage(StagePublishing, s.cfg.Repo)
	res, err := s.attempt(ctx, token, author, req, useFork)
	if err == nil {
		res.Attempts = 1
		l.Debug("publish finished", "run", runID, "pr", res.PullRequest.URL)
		return res, nil
	}
	if useFork || !errors.Is(err, forge.ErrForbidden) {
		return nil, err
	}

	l.Debug("credentials lack write access, falling back to fork", "run", runID, "err", err)
	if token, err = s.deviceToken(ctx); err != nil {
		return nil, err
	}
	if author, err = s.identity(ctx, token); err != nil {
		return nil, err
	}

	s.stage(StageRetryingWithFork, s.cfg.Repo)
	res, err = s.attempt(ctx, token, author, req, true)
	if err != nil {
		return nil, fmt.Errorf("retry via fork: %w", err)
	}
	res.Attempts = 2
	l.Debug("publish finished", "run", runID, "pr", res.PullRequest.URL)
	return res, nil
}

func (s *Service) deviceToken(ctx context.Context) (string, error) {
	s.stage(StageDeviceAuth, "")
	tok, err := s.auth.Authenticate(ctx, s.cfg.Prompt)
	if err != nil {
		return "", fmt.Errorf("device authorization: %w", err)
	}
	return tok.AccessToken, nil
}

func (s *Service) identity(ctx context.Context, token string) (string, error) {
	user, err := s.forge.GetUser(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	s.stage(StageIdentity, user.Login)
	return user.Login, nil
}

// payload is everything written by one attempt.
type payload struct {
	author      string
	name        string
	metadata    profile.Metadata
	profileJSON []byte
	snapshot    []byte
	indexJSON   []byte
}

func (s *Service) buildPayload(ctx context.Context, token, author string, req Request) (*payload, error) {
	publishedAt := s.cfg.Clock.Now().UTC().Format(time.RFC3339)

	md := req.Metadata
	md.Author = author
	md.PublishedAt = publishedAt
	profileJSON, err := md.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode profile.json: %w", err)
	}

	data, err := s.forge.GetFileContents(ctx, token, s.cfg.Repo, marketplace.IndexPath, s.cfg.BaseBranch)
	if err != nil && !errors.Is(err, forge.ErrNotFound) {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	index, err := marketplace.ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	index.Upsert(marketplace.NewEntry(author, req.Name, md, publishedAt))
	index.LastUpdated = publishedAt

	indexJSON, err := index.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}

	return &payload{
		author:      author,
		name:        req.Name,
		metadata:    md,
		profileJSON: profileJSON,
		snapshot:    req.Snapshot,
		indexJSON:   indexJSON,
	}, nil
}

// attempt performs one complete submission.
func (s *Service) attempt(ctx context.Context, token, author string, req Request, useFork bool) (*Result, error) {
	upstream := s.cfg.Repo

	p, err := s.buildPayload(ctx, token, author, req)
	if err != nil {
		return nil, err
	}

	target := upstream
	if useFork {
		if target, err = s.forks.EnsureFork(ctx, token, upstream); err != nil {
			return nil, fmt.Errorf("ensure fork: %w", err)
		}
	}

	base, err := s.forge.GetRef(ctx, token, upstream, "heads/"+s.cfg.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("read base branch: %w", err)
	}
	baseCommit, err := s.forge.GetCommit(ctx, token, upstream, base.SHA)
	if err != nil {
		return nil, fmt.Errorf("read base commit: %w", err)
	}

	blobs := []struct {
		path    string
		content []byte
	}{
		{marketplace.ProfilePath(p.author, p.name), p.profileJSON},
		{marketplace.SnapshotPath(p.author, p.name), p.snapshot},
		{marketplace.IndexPath, p.indexJSON},
	}
	entries := make([]forge.TreeEntry, 0, len(blobs))
	for _, b := range blobs {
		sha, err := s.forge.CreateBlob(ctx, token, target, b.content)
		if err != nil {
			return nil, fmt.Errorf("create blob %s: %w", b.path, err)
		}
		entries = append(entries, forge.BlobEntry(b.path, sha))
	}

	tree, err := s.forge.CreateTree(ctx, token, target, baseCommit.TreeSHA, entries)
	if err != nil {
		return nil, fmt.Errorf("create tree: %w", err)
	}

	message := marketplace.CommitMessage(p.author, p.name)
	commit, err := s.forge.CreateCommit(ctx, token, target, forge.CreateCommitParams{
		Message: message,
		Tree:    tree,
		Parents: []string{base.SHA},
	})
	if err != nil {
		return nil, fmt.Errorf("create commit: %w", err)
	}

	branch := marketplace.BranchName(p.author, p.name)
	if err := s.forge.CreateOrUpdateRef(ctx, token, target, "heads/"+branch, commit, true); err != nil {
		return nil, fmt.Errorf("update branch %s: %w", branch, err)
	}

	head := branch
	headOwner := marketplace.RepoOwner(upstream)
	if useFork {
		headOwner = marketplace.RepoOwner(target)
		head = headOwner + ":" + branch
	}

	res := &Result{Author: p.author, Repo: target, UsedFork: useFork}
	pr, err := s.forge.CreatePullRequest(ctx, token, upstream, forge.CreatePRParams{
		Title: message,
		Body:  marketplace.PRBody(p.author, p.name, p.metadata),
		Head:  head,
		Base:  s.cfg.BaseBranch,
	})
	if err == nil {
		res.PullRequest = *pr
		return res, nil
	}
	if !errors.Is(err, forge.ErrUnprocessable) {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	// the branch was force-updated, so an open PR for it already shows the new commit
	existing, findErr := s.forge.FindPullRequest(ctx, token, upstream, headOwner+":"+branch, s.cfg.BaseBranch)
	if findErr != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	res.PullRequest = *existing
	res.Existing = true
	return res, nil
}
