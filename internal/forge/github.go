package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/raphi011/cpm/internal/log"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// GitHub implements Forge over the GitHub REST API.
type GitHub struct {
	client *resty.Client
}

// NewGitHub creates a client for the API at baseURL. An empty baseURL
// uses DefaultAPIURL. hc may be nil.
func NewGitHub(baseURL string, hc *http.Client) *GitHub {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	client := resty.New()
	if hc != nil {
		client = resty.NewWithClient(hc)
	}
	client.
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28").
		SetHeader("User-Agent", "cpm")
	return &GitHub{client: client}
}

type request struct {
	method string
	path   string
	token  string
	query  map[string]string
	body   any
}

// do sends r and decodes a 2xx JSON body into out (if non-nil).
func (g *GitHub) do(ctx context.Context, r request, out any) error {
	l := log.FromContext(ctx)

	req := g.client.R().SetContext(ctx)
	if r.token != "" {
		req.SetAuthToken(r.token)
	}
	if len(r.query) > 0 {
		req.SetQueryParams(r.query)
	}
	if r.body != nil {
		req.SetBody(r.body)
	}

	resp, err := req.Execute(r.method, r.path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	l.Debug("forge request", "method", r.method, "path", r.path, "status", resp.StatusCode(), "took", resp.Time())

	if resp.IsError() {
		return newAPIError(r.method, r.path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", r.method, r.path, err)
	}
	return nil
}

func newAPIError(method, path string, resp *resty.Response) *APIError {
	status := resp.StatusCode()

	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	header := resp.Header()
	rateLimited := status == http.StatusTooManyRequests ||
		(status == http.StatusForbidden &&
			(header.Get("X-RateLimit-Remaining") == "0" || header.Get("Retry-After") != ""))

	return &APIError{
		Method:      method,
		Path:        path,
		Status:      status,
		Message:     msg,
		RateLimited: rateLimited,
	}
}

func repoPath(repo string, parts ...string) string {
	return "/repos/" + repo + "/" + strings.Join(parts, "/")
}

// GetUser resolves the login that owns token.
func (g *GitHub) GetUser(ctx context.Context, token string) (*User, error) {
	var u User
	if err := g.do(ctx, request{method: http.MethodGet, path: "/user", token: token}, &u); err != nil {
		return nil, err
	}
	if u.Login == "" {
		return nil, fmt.Errorf("GET /user: response has no login")
	}
	return &u, nil
}

func (g *GitHub) GetRepo(ctx context.Context, token, repo string) (*Repo, error) {
	var r Repo
	if err := g.do(ctx, request{method: http.MethodGet, path: "/repos/" + repo, token: token}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *GitHub) ForkRepo(ctx context.Context, token, upstream string) (*Repo, error) {
	var r Repo
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(upstream, "forks"),
		token:  token,
		body:   map[string]any{"default_branch_only": true},
	}, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *GitHub) GetRef(ctx context.Context, token, repo, ref string) (*Ref, error) {
	var out struct {
		Ref    string `json:"ref"`
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := g.do(ctx, request{method: http.MethodGet, path: repoPath(repo, "git/ref", ref), token: token}, &out)
	if err != nil {
		return nil, err
	}
	return &Ref{Ref: out.Ref, SHA: out.Object.SHA}, nil
}

func (g *GitHub) GetCommit(ctx context.Context, token, repo, sha string) (*Commit, error) {
	var out struct {
		SHA  string `json:"sha"`
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	err := g.do(ctx, request{method: http.MethodGet, path: repoPath(repo, "git/commits", sha), token: token}, &out)
	if err != nil {
		return nil, err
	}
	return &Commit{SHA: out.SHA, TreeSHA: out.Tree.SHA}, nil
}

// CreateBlob uploads content base64-encoded so binary data survives.
func (g *GitHub) CreateBlob(ctx context.Context, token, repo string, content []byte) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(repo, "git/blobs"),
		token:  token,
		body: map[string]string{
			"content":  base64.StdEncoding.EncodeToString(content),
			"encoding": "base64",
		},
	}, &out)
	return out.SHA, err
}

func (g *GitHub) CreateTree(ctx context.Context, token, repo, baseTree string, entries []TreeEntry) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(repo, "git/trees"),
		token:  token,
		body: map[string]any{
			"base_tree": baseTree,
			"tree":      entries,
		},
	}, &out)
	return out.SHA, err
}

func (g *GitHub) CreateCommit(ctx context.Context, token, repo string, params CreateCommitParams) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(repo, "git/commits"),
		token:  token,
		body: map[string]any{
			"message": params.Message,
			"tree":    params.Tree,
			"parents": params.Parents,
		},
	}, &out)
	return out.SHA, err
}

// CreateOrUpdateRef creates refs/<ref>. If the ref already exists the
// forge answers 422 and the ref is moved with PATCH instead.
func (g *GitHub) CreateOrUpdateRef(ctx context.Context, token, repo, ref, sha string, force bool) error {
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(repo, "git/refs"),
		token:  token,
		body:   map[string]string{"ref": "refs/" + ref, "sha": sha},
	}, nil)
	if StatusCode(err) != http.StatusUnprocessableEntity {
		return err
	}

	log.FromContext(ctx).Debug("ref exists, updating", "repo", repo, "ref", ref)
	return g.do(ctx, request{
		method: http.MethodPatch,
		path:   repoPath(repo, "git/refs", ref),
		token:  token,
		body:   map[string]any{"sha": sha, "force": force},
	}, nil)
}

func (g *GitHub) CreatePullRequest(ctx context.Context, token, repo string, params CreatePRParams) (*PullRequest, error) {
	var pr PullRequest
	err := g.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(repo, "pulls"),
		token:  token,
		body: map[string]string{
			"title": params.Title,
			"body":  params.Body,
			"head":  params.Head,
			"base":  params.Base,
		},
	}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (g *GitHub) FindPullRequest(ctx context.Context, token, repo, head, base string) (*PullRequest, error) {
	query := map[string]string{"head": head, "state": "open"}
	if base != "" {
		query["base"] = base
	}

	var prs []PullRequest
	err := g.do(ctx, request{method: http.MethodGet, path: repoPath(repo, "pulls"), token: token, query: query}, &prs)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no open pull request for %s: %w", head, ErrNotFound)
	}
	return &prs[0], nil
}

func (g *GitHub) GetFileContents(ctx context.Context, token, repo, path, ref string) ([]byte, error) {
	var query map[string]string
	if ref != "" {
		query = map[string]string{"ref": ref}
	}

	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	p := repoPath(repo, "contents", (&url.URL{Path: path}).EscapedPath())
	if err := g.do(ctx, request{method: http.MethodGet, path: p, token: token, query: query}, &out); err != nil {
		return nil, err
	}
	if out.Encoding != "" && out.Encoding != "base64" {
		return nil, fmt.Errorf("GET %s: unsupported content encoding %q", p, out.Encoding)
	}

	// the API wraps base64 content at 60 columns
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("GET %s: decode content: %w", p, err)
	}
	return data, nil
}

var _ Forge = (*GitHub)(nil)
