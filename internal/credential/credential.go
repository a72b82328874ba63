// Package credential looks up forge tokens that the user already has
// cached locally. A missing token is a normal outcome, not an error.
package credential

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/raphi011/cpm/internal/cmd"
	"github.com/raphi011/cpm/internal/log"
)

// DefaultTimeout bounds a single credential helper invocation.
const DefaultTimeout = 10 * time.Second

// Source yields a cached token, or false when none is available.
type Source interface {
	Token(ctx context.Context) (string, bool)
}

// Runner executes a command and returns its stdout. It matches cmd.OutputWith.
type Runner func(ctx context.Context, opts cmd.Options, name string, args ...string) ([]byte, error)

// Git asks the configured git credential helpers for a token via
// `git credential fill`. It never prompts.
type Git struct {
	Host     string
	Protocol string
	Timeout  time.Duration
	Run      Runner
}

// NewGit returns a Git source for host over https with the default timeout.
func NewGit(host string) *Git {
	return &Git{
		Host:     host,
		Protocol: "https",
		Timeout:  DefaultTimeout,
		Run:      cmd.OutputWith,
	}
}

// Token runs the helper. Helper missing, timeout, failure, malformed
// output and an empty password all report false.
func (g *Git) Token(ctx context.Context) (string, bool) {
	l := log.FromContext(ctx)

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	protocol := g.Protocol
	if protocol == "" {
		protocol = "https"
	}

	run := g.Run
	if run == nil {
		run = cmd.OutputWith
	}

	out, err := run(ctx, cmd.Options{
		Stdin: "protocol=" + protocol + "\nhost=" + g.Host + "\n\n",
		Env:   []string{"GIT_TERMINAL_PROMPT=0", "GCM_INTERACTIVE=never"},
	}, "git", "credential", "fill")
	if err != nil {
		l.Debug("credential helper unavailable", "host", g.Host, "err", err)
		return "", false
	}

	token, ok := parsePassword(string(out))
	if !ok {
		l.Debug("credential helper returned no password", "host", g.Host)
		return "", false
	}
	return token, true
}

// parsePassword extracts the password from key=value lines.
func parsePassword(out string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found {
			continue
		}
		if key == "password" {
			value = strings.TrimSpace(value)
			return value, value != ""
		}
	}
	return "", false
}

// Static always returns the same token. An empty token reports false.
type Static string

func (s Static) Token(context.Context) (string, bool) {
	return string(s), s != ""
}
