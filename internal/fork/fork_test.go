package fork

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/forge/forgetest"
	"github.com/raphi011/cpm/internal/retry"
	"github.com/raphi011/cpm/internal/testutil"
)

const upstream = "market/profiles"

func newFake() *forgetest.Fake {
	f := forgetest.New(upstream, "maintainer", map[string][]byte{"index.json": []byte(`{"profiles":[]}`)})
	f.AddUser("tok", "alice")
	return f
}

func testPolicy(timer *testutil.FakeTimer) retry.Policy {
	p := DefaultPolicy
	p.Timer = timer
	return p
}

func TestEnsureFork_ExistingFork(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.Repos["alice/profiles"] = &forgetest.Repo{FullName: "alice/profiles", Fork: true, Refs: map[string]string{}}
	m := NewManager(f, "main", testPolicy(testutil.NewFakeTimer(nil)))

	got, err := m.EnsureFork(context.Background(), "tok", upstream)
	if err != nil {
		t.Fatalf("EnsureFork() = %v", err)
	}
	if got != "alice/profiles" {
		t.Errorf("fork = %q, want alice/profiles", got)
	}
	if f.Count("ForkRepo") != 0 {
		t.Error("existing fork should not be forked again")
	}
}

func TestEnsureFork_CreatesAndWaits(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.ForkReadyAfter = 3
	timer := testutil.NewFakeTimer(nil)
	m := NewManager(f, "main", testPolicy(timer))

	got, err := m.EnsureFork(context.Background(), "tok", upstream)
	if err != nil {
		t.Fatalf("EnsureFork() = %v", err)
	}
	if got != "alice/profiles" {
		t.Errorf("fork = %q, want alice/profiles", got)
	}
	if f.Count("ForkRepo") != 1 {
		t.Errorf("ForkRepo calls = %d, want 1", f.Count("ForkRepo"))
	}
	if f.Count("GetRef") != 4 {
		t.Errorf("GetRef checks = %d, want 4", f.Count("GetRef"))
	}
	// first check waits one interval too
	if got := timer.Total(); got != 8*time.Second {
		t.Errorf("waited %v, want 8s", got)
	}
}

func TestEnsureFork_NonForkRepoWithSameNameIsNotReused(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.Repos["alice/profiles"] = &forgetest.Repo{FullName: "alice/profiles", Refs: map[string]string{}}
	m := NewManager(f, "main", testPolicy(testutil.NewFakeTimer(nil)))

	if _, err := m.EnsureFork(context.Background(), "tok", upstream); err != nil {
		t.Fatalf("EnsureFork() = %v", err)
	}
	if f.Count("ForkRepo") != 1 {
		t.Errorf("ForkRepo calls = %d, want 1", f.Count("ForkRepo"))
	}
}

func TestEnsureFork_Timeout(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.ForkReadyAfter = 1000
	timer := testutil.NewFakeTimer(nil)
	m := NewManager(f, "main", testPolicy(timer))

	_, err := m.EnsureFork(context.Background(), "tok", upstream)
	if !errors.Is(err, ErrForkTimeout) {
		t.Fatalf("EnsureFork() = %v, want ErrForkTimeout", err)
	}
	if f.Count("GetRef") != 30 {
		t.Errorf("GetRef checks = %d, want 30", f.Count("GetRef"))
	}
	if !errors.Is(err, forge.ErrNotFound) {
		t.Errorf("EnsureFork() = %v, want last 404 wrapped", err)
	}
	if got := timer.Total(); got != 60*time.Second {
		t.Errorf("waited %v, want 60s", got)
	}
}

func TestEnsureFork_RepoCheckErrorAborts(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.Hook = func(c forgetest.Call) error {
		if c.Op == "GetRepo" {
			return &forge.APIError{Method: http.MethodGet, Path: "/repos/" + c.Repo, Status: http.StatusInternalServerError, Message: "boom"}
		}
		return nil
	}
	m := NewManager(f, "main", testPolicy(testutil.NewFakeTimer(nil)))

	_, err := m.EnsureFork(context.Background(), "tok", upstream)
	if forge.StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("EnsureFork() = %v, want 500 APIError", err)
	}
	if f.Count("ForkRepo") != 0 {
		t.Error("fork must not be requested after a failed repo check")
	}
}

func TestEnsureFork_ReadinessCheckErrorAborts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusInternalServerError},
		{"forbidden", http.StatusForbidden},
		{"unauthorized", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFake()
			f.ForkReadyAfter = 1000
			f.Hook = func(c forgetest.Call) error {
				if c.Op == "GetRef" {
					return &forge.APIError{Method: http.MethodGet, Path: "/repos/" + c.Repo + "/git/ref/heads/main", Status: tt.status, Message: "boom"}
				}
				return nil
			}
			m := NewManager(f, "main", testPolicy(testutil.NewFakeTimer(nil)))

			_, err := m.EnsureFork(context.Background(), "tok", upstream)
			if forge.StatusCode(err) != tt.status {
				t.Fatalf("EnsureFork() = %v, want %d APIError", err, tt.status)
			}
			if errors.Is(err, ErrForkTimeout) {
				t.Error("a failed readiness check must not be reported as a timeout")
			}
			if got := f.Count("GetRef"); got != 1 {
				t.Errorf("GetRef checks = %d, want 1", got)
			}
		})
	}
}

func TestEnsureFork_Cancelled(t *testing.T) {
	t.Parallel()

	f := newFake()
	f.ForkReadyAfter = 1000
	ctx, cancel := context.WithCancel(context.Background())
	checks := 0
	f.Hook = func(c forgetest.Call) error {
		if c.Op == "GetRef" {
			checks++
			if checks == 2 {
				cancel()
			}
		}
		return nil
	}
	m := NewManager(f, "main", testPolicy(testutil.NewFakeTimer(nil)))

	_, err := m.EnsureFork(ctx, "tok", upstream)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("EnsureFork() = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrForkTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestEnsureFork_InvalidUpstream(t *testing.T) {
	t.Parallel()

	m := NewManager(newFake(), "main", testPolicy(testutil.NewFakeTimer(nil)))
	if _, err := m.EnsureFork(context.Background(), "tok", "no-slash"); err == nil {
		t.Fatal("EnsureFork(no-slash) = nil, want error")
	}
}
