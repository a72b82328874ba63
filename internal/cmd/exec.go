package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/raphi011/cpm/internal/log"
)

// Options controls how a command is started.
type Options struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Stdin is written to the process' standard input.
	Stdin string
	// Env is appended to the inherited environment.
	Env []string
}

// RunContext executes a command and returns stderr in the error message if it fails.
func RunContext(ctx context.Context, dir, name string, args ...string) error {
	_, err := OutputWith(ctx, Options{Dir: dir}, name, args...)
	return err
}

// OutputContext executes a command and returns stdout, with stderr in error if it fails.
func OutputContext(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return OutputWith(ctx, Options{Dir: dir}, name, args...)
}

// OutputWith executes a command with the given options and returns stdout.
// When the context is done the process is killed and ctx.Err() is returned.
func OutputWith(ctx context.Context, opts Options, name string, args ...string) ([]byte, error) {
	done := log.FromContext(ctx).Command(opts.Dir, name, args...)
	start := time.Now()

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = opts.Dir
	if opts.Stdin != "" {
		c.Stdin = strings.NewReader(opts.Stdin)
	}
	if len(opts.Env) > 0 {
		c.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	done(time.Since(start))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.New(msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
