// Package fork makes sure the token owner has a usable fork of the
// marketplace repository.
package fork

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/log"
	"github.com/raphi011/cpm/internal/retry"
)

// ErrForkTimeout means the forge accepted the fork but its base branch
// kept answering 404.
var ErrForkTimeout = errors.New("fork was not ready in time")

// DefaultPolicy polls the new fork for about a minute.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 30,
	Interval:    2 * time.Second,
	WaitFirst:   true,
}

// Manager ensures forks exist and are ready to receive refs.
type Manager struct {
	forge      forge.Forge
	baseBranch string
	policy     retry.Policy
}

// NewManager returns a Manager that waits for baseBranch to appear in new forks.
func NewManager(f forge.Forge, baseBranch string, policy retry.Policy) *Manager {
	return &Manager{forge: f, baseBranch: baseBranch, policy: policy}
}

// EnsureFork returns the full name of the token owner's fork of upstream,
// creating it if needed. An existing repo with the fork's name that is not
// a fork is not reused: the forge is asked to fork and decides the name.
func (m *Manager) EnsureFork(ctx context.Context, token, upstream string) (string, error) {
	l := log.FromContext(ctx)

	user, err := m.forge.GetUser(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolve fork owner: %w", err)
	}

	_, name, ok := strings.Cut(upstream, "/")
	if !ok || name == "" {
		return "", fmt.Errorf("invalid repository %q", upstream)
	}
	candidate := user.Login + "/" + name

	existing, err := m.forge.GetRepo(ctx, token, candidate)
	switch {
	case err == nil && existing.Fork:
		l.Debug("using existing fork", "fork", candidate)
		return candidate, nil
	case err != nil && !errors.Is(err, forge.ErrNotFound):
		return "", fmt.Errorf("check fork %s: %w", candidate, err)
	}

	created, err := m.forge.ForkRepo(ctx, token, upstream)
	if err != nil {
		return "", fmt.Errorf("fork %s: %w", upstream, err)
	}
	fork := candidate
	if created.FullName != "" {
		fork = created.FullName
	}
	l.Debug("fork requested, waiting for it to be ready", "fork", fork)

	ref := "heads/" + m.baseBranch
	err = m.policy.Do(ctx, func(ctx context.Context) error {
		_, err := m.forge.GetRef(ctx, token, fork, ref)
		if err != nil && !errors.Is(err, forge.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return fork, nil
	case errors.Is(err, retry.ErrExhausted):
		return "", fmt.Errorf("%w: %s: %w", ErrForkTimeout, fork, err)
	default:
		return "", fmt.Errorf("wait for fork %s: %w", fork, err)
	}
}
