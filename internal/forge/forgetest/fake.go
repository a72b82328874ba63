// Package forgetest provides an in-memory forge for tests.
package forgetest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/raphi011/cpm/internal/forge"
)

// Call is one recorded Forge method invocation.
type Call struct {
	Op    string
	Token string
	Repo  string
}

// PR is a pull request stored by the fake.
type PR struct {
	forge.PullRequest
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
}

type commit struct {
	tree    string
	parents []string
	message string
}

// Repo is an in-memory repository.
type Repo struct {
	FullName string
	Fork     bool
	// Writers holds the logins allowed to write git data.
	Writers map[string]bool
	Refs    map[string]string // "heads/main" -> commit sha

	// notReady makes the next n GetRef calls fail with 404.
	notReady int
}

// Fake is an in-memory forge.Forge. Blobs, trees and commits are shared
// across repositories, as if every fork shared one object store.
type Fake struct {
	mu sync.Mutex

	// Users maps tokens to logins.
	Users map[string]string
	Repos map[string]*Repo
	PRs   []PR

	// ForkReadyAfter is how many GetRef calls a new fork answers with 404.
	ForkReadyAfter int
	// Hook runs before every call; a non-nil error is returned instead.
	Hook func(c Call) error

	calls   []Call
	blobs   map[string][]byte
	trees   map[string]map[string]string
	commits map[string]commit
}

// New returns a Fake holding upstream with a "main" branch whose tree has
// the given files. owner is the only writer of upstream.
func New(upstream, owner string, files map[string][]byte) *Fake {
	f := &Fake{
		Users:   map[string]string{},
		Repos:   map[string]*Repo{},
		blobs:   map[string][]byte{},
		trees:   map[string]map[string]string{},
		commits: map[string]commit{},
	}

	tree := map[string]string{}
	for path, content := range files {
		tree[path] = f.putBlob(content)
	}
	treeSHA := f.putTree(tree)
	root := f.putCommit(commit{tree: treeSHA, message: "initial"})

	f.Repos[upstream] = &Repo{
		FullName: upstream,
		Writers:  map[string]bool{owner: true},
		Refs:     map[string]string{"heads/main": root},
	}
	return f
}

// AddUser registers token as belonging to login.
func (f *Fake) AddUser(token, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[token] = login
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// File returns the content of path on branch of repo.
func (f *Fake) File(repo, branch, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file(repo, "heads/"+branch, path)
}

// Paths returns every path in the tree at branch of repo.
func (f *Fake) Paths(repo, branch string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Repos[repo]
	if !ok {
		return nil
	}
	c, ok := f.commits[r.Refs["heads/"+branch]]
	if !ok {
		return nil
	}
	var paths []string
	for p := range f.trees[c.tree] {
		paths = append(paths, p)
	}
	return paths
}

// CommitMessage returns the message of the commit at branch of repo.
func (f *Fake) CommitMessage(repo, branch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Repos[repo]
	if !ok {
		return ""
	}
	return f.commits[r.Refs["heads/"+branch]].message
}

// Parents returns the parents of the commit at branch of repo.
func (f *Fake) Parents(repo, branch string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Repos[repo]
	if !ok {
		return nil
	}
	return f.commits[r.Refs["heads/"+branch]].parents
}

// Ref returns the commit sha of branch in repo.
func (f *Fake) Ref(repo, branch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Repos[repo]
	if !ok {
		return ""
	}
	return r.Refs["heads/"+branch]
}

// PullRequests returns the stored pull requests.
func (f *Fake) PullRequests() []PR {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PR(nil), f.PRs...)
}

func (f *Fake) record(op, token, repo string) error {
	c := Call{Op: op, Token: token, Repo: repo}
	f.calls = append(f.calls, c)
	if f.Hook != nil {
		return f.Hook(c)
	}
	return nil
}

func apiError(method, path string, status int) *forge.APIError {
	return &forge.APIError{Method: method, Path: path, Status: status, Message: http.StatusText(status)}
}

func (f *Fake) login(token string) (string, error) {
	login, ok := f.Users[token]
	if !ok {
		return "", apiError(http.MethodGet, "/user", http.StatusUnauthorized)
	}
	return login, nil
}

func (f *Fake) writable(method, path, token, repo string) (*Repo, error) {
	login, err := f.login(token)
	if err != nil {
		return nil, err
	}
	r, ok := f.Repos[repo]
	if !ok {
		return nil, apiError(method, path, http.StatusNotFound)
	}
	if !r.Writers[login] {
		return nil, apiError(method, path, http.StatusForbidden)
	}
	return r, nil
}

func (f *Fake) putBlob(content []byte) string {
	sum := sha1.Sum(content)
	sha := hex.EncodeToString(sum[:])
	f.blobs[sha] = append([]byte(nil), content...)
	return sha
}

func (f *Fake) putTree(tree map[string]string) string {
	sha := fmt.Sprintf("tree-%d", len(f.trees)+1)
	f.trees[sha] = tree
	return sha
}

func (f *Fake) putCommit(c commit) string {
	sha := fmt.Sprintf("commit-%d", len(f.commits)+1)
	f.commits[sha] = c
	return sha
}

func (f *Fake) file(repo, ref, path string) ([]byte, bool) {
	r, ok := f.Repos[repo]
	if !ok {
		return nil, false
	}
	c, ok := f.commits[r.Refs[ref]]
	if !ok {
		return nil, false
	}
	sha, ok := f.trees[c.tree][path]
	if !ok {
		return nil, false
	}
	return f.blobs[sha], true
}

func (f *Fake) GetUser(_ context.Context, token string) (*forge.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetUser", token, ""); err != nil {
		return nil, err
	}
	login, err := f.login(token)
	if err != nil {
		return nil, err
	}
	return &forge.User{Login: login}, nil
}

func (f *Fake) GetRepo(_ context.Context, token, repo string) (*forge.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRepo", token, repo); err != nil {
		return nil, err
	}
	r, ok := f.Repos[repo]
	if !ok {
		return nil, apiError(http.MethodGet, "/repos/"+repo, http.StatusNotFound)
	}
	return &forge.Repo{FullName: r.FullName, Fork: r.Fork, DefaultBranch: "main"}, nil
}

func (f *Fake) ForkRepo(_ context.Context, token, upstream string) (*forge.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ForkRepo", token, upstream); err != nil {
		return nil, err
	}
	login, err := f.login(token)
	if err != nil {
		return nil, err
	}
	up, ok := f.Repos[upstream]
	if !ok {
		return nil, apiError(http.MethodPost, "/repos/"+upstream+"/forks", http.StatusNotFound)
	}

	_, name, _ := strings.Cut(upstream, "/")
	full := login + "/" + name
	f.Repos[full] = &Repo{
		FullName: full,
		Fork:     true,
		Writers:  map[string]bool{login: true},
		Refs:     maps.Clone(up.Refs),
		notReady: f.ForkReadyAfter,
	}
	return &forge.Repo{FullName: full, Fork: true, DefaultBranch: "main"}, nil
}

func (f *Fake) GetRef(_ context.Context, token, repo, ref string) (*forge.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRef", token, repo); err != nil {
		return nil, err
	}
	path := "/repos/" + repo + "/git/ref/" + ref
	r, ok := f.Repos[repo]
	if !ok {
		return nil, apiError(http.MethodGet, path, http.StatusNotFound)
	}
	if r.notReady > 0 {
		r.notReady--
		return nil, apiError(http.MethodGet, path, http.StatusNotFound)
	}
	sha, ok := r.Refs[ref]
	if !ok {
		return nil, apiError(http.MethodGet, path, http.StatusNotFound)
	}
	return &forge.Ref{Ref: "refs/" + ref, SHA: sha}, nil
}

func (f *Fake) GetCommit(_ context.Context, token, repo, sha string) (*forge.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCommit", token, repo); err != nil {
		return nil, err
	}
	c, ok := f.commits[sha]
	if !ok {
		return nil, apiError(http.MethodGet, "/repos/"+repo+"/git/commits/"+sha, http.StatusNotFound)
	}
	return &forge.Commit{SHA: sha, TreeSHA: c.tree}, nil
}

func (f *Fake) CreateBlob(_ context.Context, token, repo string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateBlob", token, repo); err != nil {
		return "", err
	}
	if _, err := f.writable(http.MethodPost, "/repos/"+repo+"/git/blobs", token, repo); err != nil {
		return "", err
	}
	return f.putBlob(content), nil
}

func (f *Fake) CreateTree(_ context.Context, token, repo, baseTree string, entries []forge.TreeEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTree", token, repo); err != nil {
		return "", err
	}
	if _, err := f.writable(http.MethodPost, "/repos/"+repo+"/git/trees", token, repo); err != nil {
		return "", err
	}
	tree := maps.Clone(f.trees[baseTree])
	if tree == nil {
		tree = map[string]string{}
	}
	for _, e := range entries {
		tree[e.Path] = e.SHA
	}
	return f.putTree(tree), nil
}

func (f *Fake) CreateCommit(_ context.Context, token, repo string, params forge.CreateCommitParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCommit", token, repo); err != nil {
		return "", err
	}
	if _, err := f.writable(http.MethodPost, "/repos/"+repo+"/git/commits", token, repo); err != nil {
		return "", err
	}
	return f.putCommit(commit{tree: params.Tree, parents: params.Parents, message: params.Message}), nil
}

func (f *Fake) CreateOrUpdateRef(_ context.Context, token, repo, ref, sha string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateOrUpdateRef", token, repo); err != nil {
		return err
	}
	r, err := f.writable(http.MethodPost, "/repos/"+repo+"/git/refs", token, repo)
	if err != nil {
		return err
	}
	r.Refs[ref] = sha
	return nil
}

func (f *Fake) CreatePullRequest(_ context.Context, token, repo string, params forge.CreatePRParams) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreatePullRequest", token, repo); err != nil {
		return nil, err
	}
	if _, err := f.login(token); err != nil {
		return nil, err
	}
	for _, pr := range f.PRs {
		if pr.Repo == repo && pr.Head == params.Head && pr.Base == params.Base {
			return nil, apiError(http.MethodPost, "/repos/"+repo+"/pulls", http.StatusUnprocessableEntity)
		}
	}
	n := len(f.PRs) + 1
	pr := PR{
		PullRequest: forge.PullRequest{Number: n, URL: fmt.Sprintf("https://github.com/%s/pull/%d", repo, n)},
		Repo:        repo,
		Title:       params.Title,
		Body:        params.Body,
		Head:        params.Head,
		Base:        params.Base,
	}
	f.PRs = append(f.PRs, pr)
	return &pr.PullRequest, nil
}

func (f *Fake) FindPullRequest(_ context.Context, token, repo, head, base string) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindPullRequest", token, repo); err != nil {
		return nil, err
	}
	for _, pr := range f.PRs {
		prHead := pr.Head
		if !strings.Contains(prHead, ":") {
			owner, _, _ := strings.Cut(repo, "/")
			prHead = owner + ":" + prHead
		}
		if pr.Repo == repo && prHead == head && (base == "" || pr.Base == base) {
			found := pr.PullRequest
			return &found, nil
		}
	}
	return nil, fmt.Errorf("no open pull request for %s: %w", head, forge.ErrNotFound)
}

func (f *Fake) GetFileContents(_ context.Context, token, repo, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetFileContents", token, repo); err != nil {
		return nil, err
	}
	if ref == "" {
		ref = "main"
	}
	data, ok := f.file(repo, "heads/"+ref, path)
	if !ok {
		return nil, apiError(http.MethodGet, "/repos/"+repo+"/contents/"+path, http.StatusNotFound)
	}
	return append([]byte(nil), data...), nil
}

var _ forge.Forge = (*Fake)(nil)
