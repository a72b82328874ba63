package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/raphi011/cpm/internal/credential"
	"github.com/raphi011/cpm/internal/deviceauth"
	"github.com/raphi011/cpm/internal/forge"
	"github.com/raphi011/cpm/internal/forge/forgetest"
	"github.com/raphi011/cpm/internal/fork"
	"github.com/raphi011/cpm/internal/marketplace"
	"github.com/raphi011/cpm/internal/profile"
	"github.com/raphi011/cpm/internal/retry"
	"github.com/raphi011/cpm/internal/testutil"
)

const (
	upstream = "market/profiles"
	branch   = "profile-submission/alice/dev"
)

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (a *fakeAuth) Authenticate(_ context.Context, prompt deviceauth.Prompt) (*oauth2.Token, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if prompt != nil {
		prompt(deviceauth.Verification{URI: "https://github.com/login/device", UserCode: "ABCD-1234"})
	}
	return &oauth2.Token{AccessToken: a.token}, nil
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type countingSource struct {
	credential.Source
	calls int
}

func (c *countingSource) Token(ctx context.Context) (string, bool) {
	c.calls++
	return c.Source.Token(ctx)
}

type env struct {
	forge *forgetest.Fake
	auth  *fakeAuth
	timer *testutil.FakeTimer
	svc   *Service

	stages []Stage
}

// newEnv builds a service over an in-memory forge. cachedToken is what the
// credential source returns ("" means none); alice owns both tokens.
func newEnv(t *testing.T, cachedToken string) *env {
	t.Helper()

	f := forgetest.New(upstream, "maintainer", map[string][]byte{
		"README.md":  []byte("# Profiles\n"),
		"index.json": []byte(`{"profiles":[{"name":"ops","author":"bob","version":"0.1.0","downloads":5,"stars":1}]}`),
	})
	f.AddUser("cached", "alice")
	f.AddUser("device", "alice")

	e := &env{
		forge: f,
		auth:  &fakeAuth{token: "device"},
		timer: testutil.NewFakeTimer(nil),
	}

	policy := fork.DefaultPolicy
	policy.Timer = e.timer
	e.svc = New(f, credential.Static(cachedToken), e.auth, fork.NewManager(f, "main", policy), Config{
		Repo:  upstream,
		Clock: testutil.FixedClock(),
		OnStage: func(stage Stage, _ string) {
			e.stages = append(e.stages, stage)
		},
	})
	return e
}

func validRequest() Request {
	return Request{
		Name: "dev",
		Metadata: profile.Metadata{
			Name:        "dev",
			Version:     "1.2.0",
			Description: "Backend setup",
			Tags:        []string{"go"},
			Contents:    profile.Contents{"commands": {"deploy"}},
		},
		Snapshot: []byte("PK\x03\x04 fake zip"),
	}
}

func readIndex(t *testing.T, f *forgetest.Fake, repo string) *marketplace.Index {
	t.Helper()
	data, ok := f.File(repo, branch, marketplace.IndexPath)
	if !ok {
		t.Fatalf("index.json missing on %s:%s", repo, branch)
	}
	ix, err := marketplace.ParseIndex(data)
	if err != nil {
		t.Fatalf("ParseIndex() = %v", err)
	}
	return ix
}

func TestPublish_DirectWrite(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")
	e.forge.Repos[upstream].Writers["alice"] = true

	res, err := e.svc.Publish(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if res.UsedFork || res.Attempts != 1 || res.Repo != upstream || res.Author != "alice" {
		t.Errorf("result = %+v", res)
	}
	if res.PullRequest.URL != "https://github.com/market/profiles/pull/1" {
		t.Errorf("PR URL = %q", res.PullRequest.URL)
	}
	if e.auth.count() != 0 {
		t.Errorf("device flow ran %d times, want 0", e.auth.count())
	}

	prs := e.forge.PullRequests()
	if len(prs) != 1 || prs[0].Head != branch || prs[0].Base != "main" || prs[0].Title != "Add profile: alice/dev" {
		t.Errorf("pull requests = %+v", prs)
	}

	ix := readIndex(t, e.forge, upstream)
	if len(ix.Profiles) != 2 {
		t.Fatalf("index entries = %d, want 2", len(ix.Profiles))
	}
	entry, ok := ix.Find("alice", "dev")
	if !ok || entry.Version != "1.2.0" || entry.CreatedAt != "2024-01-15T10:30:00Z" {
		t.Errorf("entry = %+v", entry)
	}
	if ix.LastUpdated != "2024-01-15T10:30:00Z" {
		t.Errorf("lastUpdated = %q", ix.LastUpdated)
	}

	paths := e.forge.Paths(upstream, branch)
	for _, want := range []string{"README.md", "index.json", "profiles/alice/dev/profile.json", "profiles/alice/dev/snapshot.zip"} {
		if !slices.Contains(paths, want) {
			t.Errorf("tree missing %s (got %v)", want, paths)
		}
	}
	if got := e.forge.CommitMessage(upstream, branch); got != "Add profile: alice/dev" {
		t.Errorf("commit message = %q", got)
	}

	data, _ := e.forge.File(upstream, branch, "profiles/alice/dev/profile.json")
	var md profile.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		t.Fatalf("profile.json: %v", err)
	}
	if md.Author != "alice" || md.PublishedAt != "2024-01-15T10:30:00Z" || md.Description != "Backend setup" {
		t.Errorf("profile.json = %+v", md)
	}
	snapshot, _ := e.forge.File(upstream, branch, "profiles/alice/dev/snapshot.zip")
	if string(snapshot) != string(validRequest().Snapshot) {
		t.Errorf("snapshot = %q", snapshot)
	}
}

func TestPublish_NoCredentialsUsesDeviceFlowAndFork(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "")

	res, err := e.svc.Publish(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if e.auth.count() != 1 {
		t.Errorf("device flow ran %d times, want 1", e.auth.count())
	}
	if !res.UsedFork || res.Repo != "alice/profiles" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if e.forge.Count("ForkRepo") != 1 {
		t.Errorf("ForkRepo calls = %d, want 1", e.forge.Count("ForkRepo"))
	}

	prs := e.forge.PullRequests()
	if len(prs) != 1 {
		t.Fatalf("pull requests = %d, want 1", len(prs))
	}
	if prs[0].Repo != upstream || prs[0].Head != "alice:"+branch {
		t.Errorf("PR = %s head %s, want %s head alice:%s", prs[0].Repo, prs[0].Head, upstream, branch)
	}

	// the fork branch descends from upstream main
	if got, want := e.forge.Parents("alice/profiles", branch), []string{e.forge.Ref(upstream, "main")}; !slices.Equal(got, want) {
		t.Errorf("parents = %v, want %v", got, want)
	}
	for _, c := range e.forge.Calls() {
		if c.Token != "device" && c.Op != "GetUser" {
			t.Errorf("%s used token %q, want device", c.Op, c.Token)
		}
	}
}

func TestPublish_ForbiddenFallsBackToForkOnce(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")

	res, err := e.svc.Publish(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if res.Attempts != 2 || !res.UsedFork || res.Repo != "alice/profiles" {
		t.Errorf("result = %+v", res)
	}
	if e.auth.count() != 1 {
		t.Errorf("device flow ran %d times, want 1", e.auth.count())
	}

	// 1 rejected blob on upstream, 3 on the fork
	if got := e.forge.Count("CreateBlob"); got != 4 {
		t.Errorf("CreateBlob calls = %d, want 4", got)
	}
	if prs := e.forge.PullRequests(); len(prs) != 1 || prs[0].Head != "alice:"+branch {
		t.Errorf("pull requests = %+v", prs)
	}

	want := []Stage{StageCredentials, StageIdentity, StagePublishing, StageDeviceAuth, StageIdentity, StageRetryingWithFork}
	if !slices.Equal(e.stages, want) {
		t.Errorf("stages = %v, want %v", e.stages, want)
	}
}

func TestPublish_SecondForbiddenIsFatal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")
	e.forge.Hook = func(c forgetest.Call) error {
		if c.Op == "CreateBlob" {
			return &forge.APIError{Method: http.MethodPost, Path: "/repos/" + c.Repo + "/git/blobs", Status: http.StatusForbidden, Message: "Forbidden"}
		}
		return nil
	}

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, forge.ErrForbidden) {
		t.Fatalf("Publish() = %v, want ErrForbidden", err)
	}
	if e.auth.count() != 1 {
		t.Errorf("device flow ran %d times, want 1", e.auth.count())
	}
	if got := e.forge.Count("CreateBlob"); got != 2 {
		t.Errorf("CreateBlob calls = %d, want 2", got)
	}
	if len(e.forge.PullRequests()) != 0 {
		t.Error("no pull request should be created")
	}
}

func TestPublish_ForbiddenWithDeviceTokenIsNotRetried(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "")
	e.forge.Hook = func(c forgetest.Call) error {
		if c.Op == "CreateTree" {
			return &forge.APIError{Method: http.MethodPost, Path: "/repos/" + c.Repo + "/git/trees", Status: http.StatusForbidden}
		}
		return nil
	}

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, forge.ErrForbidden) {
		t.Fatalf("Publish() = %v, want ErrForbidden", err)
	}
	if e.auth.count() != 1 {
		t.Errorf("device flow ran %d times, want 1", e.auth.count())
	}
}

func TestPublish_RateLimitedIsNotRetried(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")
	e.forge.Repos[upstream].Writers["alice"] = true
	e.forge.Hook = func(c forgetest.Call) error {
		if c.Op == "CreateBlob" {
			return &forge.APIError{Method: http.MethodPost, Path: "/repos/" + c.Repo + "/git/blobs", Status: http.StatusForbidden, RateLimited: true}
		}
		return nil
	}

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, forge.ErrRateLimited) {
		t.Fatalf("Publish() = %v, want ErrRateLimited", err)
	}
	if e.auth.count() != 0 {
		t.Errorf("device flow ran %d times, want 0", e.auth.count())
	}
}

func TestPublish_ForkTimeout(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "")
	e.forge.ForkReadyAfter = 1000

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, fork.ErrForkTimeout) {
		t.Fatalf("Publish() = %v, want ErrForkTimeout", err)
	}
	if len(e.forge.PullRequests()) != 0 {
		t.Error("no pull request should be created")
	}
	if e.forge.Count("CreateBlob") != 0 {
		t.Error("nothing should be written before the fork is ready")
	}
	if got := e.forge.Count("GetRef"); got != fork.DefaultPolicy.MaxAttempts {
		t.Errorf("fork readiness checks = %d, want %d", got, fork.DefaultPolicy.MaxAttempts)
	}
}

func TestPublish_RepublishReplacesIndexEntry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")
	e.forge.Repos[upstream].Writers["alice"] = true
	ctx := context.Background()

	first, err := e.svc.Publish(ctx, validRequest())
	if err != nil {
		t.Fatalf("first Publish() = %v", err)
	}
	firstCommit := e.forge.Ref(upstream, branch)

	// maintainer merges the submission
	e.forge.Repos[upstream].Refs["heads/main"] = firstCommit

	req := validRequest()
	req.Metadata.Version = "2.0.0"
	req.Metadata.Description = "Second take"
	second, err := e.svc.Publish(ctx, req)
	if err != nil {
		t.Fatalf("second Publish() = %v", err)
	}

	ix := readIndex(t, e.forge, upstream)
	n := 0
	for _, p := range ix.Profiles {
		if p.Author == "alice" && p.Name == "dev" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("entries for alice/dev = %d, want 1", n)
	}
	if entry, _ := ix.Find("alice", "dev"); entry.Version != "2.0.0" || entry.Description != "Second take" {
		t.Errorf("entry = %+v, want second publish to win", entry)
	}

	// branch was force-updated and the open PR reused
	if got := e.forge.Ref(upstream, branch); got == firstCommit {
		t.Error("branch should point at the new commit")
	}
	if !second.Existing || second.PullRequest.Number != first.PullRequest.Number {
		t.Errorf("second result = %+v, want existing PR #%d", second, first.PullRequest.Number)
	}
	if len(e.forge.PullRequests()) != 1 {
		t.Errorf("pull requests = %d, want 1", len(e.forge.PullRequests()))
	}
}

func TestPublish_MissingIndexStartsEmpty(t *testing.T) {
	t.Parallel()

	f := forgetest.New(upstream, "alice", map[string][]byte{"README.md": []byte("x")})
	f.AddUser("cached", "alice")
	svc := New(f, credential.Static("cached"), &fakeAuth{}, fork.NewManager(f, "main", retry.Policy{}), Config{
		Repo:  upstream,
		Clock: testutil.FixedClock(),
	})

	if _, err := svc.Publish(context.Background(), validRequest()); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	ix := readIndex(t, f, upstream)
	if len(ix.Profiles) != 1 || ix.Profiles[0].Author != "alice" {
		t.Errorf("index = %+v, want only alice/dev", ix.Profiles)
	}
}

func TestPublish_IdentityFailureIsFatal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "stale")

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, forge.ErrUnauthorized) {
		t.Fatalf("Publish() = %v, want ErrUnauthorized", err)
	}
	if e.auth.count() != 0 {
		t.Errorf("device flow ran %d times, want 0", e.auth.count())
	}
}

func TestPublish_DeviceFlowFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, "cached")
	e.auth.err = deviceauth.ErrAuthorizationDenied

	_, err := e.svc.Publish(context.Background(), validRequest())
	if !errors.Is(err, deviceauth.ErrAuthorizationDenied) {
		t.Fatalf("Publish() = %v, want ErrAuthorizationDenied", err)
	}
	if len(e.forge.PullRequests()) != 0 {
		t.Error("no pull request should be created")
	}
}

func TestPublish_Preconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Request)
	}{
		{"empty contents", func(r *Request) { r.Metadata.Contents = profile.Contents{"commands": {}, "skills": nil} }},
		{"no contents", func(r *Request) { r.Metadata.Contents = nil }},
		{"empty snapshot", func(r *Request) { r.Snapshot = nil }},
		{"bad name", func(r *Request) { r.Name = "../dev" }},
		{"bad version", func(r *Request) { r.Metadata.Version = "one" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, "cached")
			src := &countingSource{Source: credential.Static("cached")}
			e.svc.creds = src

			req := validRequest()
			tt.modify(&req)

			_, err := e.svc.Publish(context.Background(), req)
			if !errors.Is(err, ErrInvalidProfile) {
				t.Fatalf("Publish() = %v, want ErrInvalidProfile", err)
			}
			if n := len(e.forge.Calls()); n != 0 {
				t.Errorf("forge calls = %d, want 0", n)
			}
			if src.calls != 0 || e.auth.count() != 0 {
				t.Errorf("credential calls = %d, device flows = %d, want 0", src.calls, e.auth.count())
			}
		})
	}
}

func TestStage_String(t *testing.T) {
	t.Parallel()

	if StagePublishing.String() != "creating pull request" {
		t.Errorf("StagePublishing = %q", StagePublishing.String())
	}
	if Stage(99).String() != "unknown" {
		t.Errorf("Stage(99) = %q", Stage(99).String())
	}
}
