package forge

import "context"

// User is the owner of a token.
type User struct {
	Login string `json:"login"`
}

// Repo is the subset of repository metadata publish needs.
type Repo struct {
	FullName      string `json:"full_name"`
	Fork          bool   `json:"fork"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

// Ref is a git reference such as "refs/heads/main".
type Ref struct {
	Ref string
	SHA string
}

// Commit is a git commit and the tree it points to.
type Commit struct {
	SHA     string
	TreeSHA string
}

// TreeEntry is one path in a new tree.
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// BlobEntry returns a regular-file tree entry for a blob.
func BlobEntry(path, sha string) TreeEntry {
	return TreeEntry{Path: path, Mode: "100644", Type: "blob", SHA: sha}
}

// CreateCommitParams contains parameters for creating a commit
type CreateCommitParams struct {
	Message string
	Tree    string
	Parents []string
}

// CreatePRParams contains parameters for creating a PR
type CreatePRParams struct {
	Title string
	Body  string
	Head  string // branch, or "owner:branch" for a fork
	Base  string
}

// PullRequest is an opened or existing pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// Forge is a git hosting API. Every call takes the bearer token to use;
// an empty token sends an anonymous request.
type Forge interface {
	// GetUser resolves the login that owns token.
	GetUser(ctx context.Context, token string) (*User, error)

	// GetRepo fetches repository metadata. repo is "owner/name".
	GetRepo(ctx context.Context, token, repo string) (*Repo, error)

	// ForkRepo asks the forge to fork upstream into the token owner's account.
	// Forking is asynchronous: the fork may not be usable yet when this returns.
	ForkRepo(ctx context.Context, token, upstream string) (*Repo, error)

	// GetRef resolves ref (e.g. "heads/main").
	GetRef(ctx context.Context, token, repo, ref string) (*Ref, error)

	// GetCommit fetches a commit's tree.
	GetCommit(ctx context.Context, token, repo, sha string) (*Commit, error)

	// CreateBlob uploads content and returns the blob SHA.
	CreateBlob(ctx context.Context, token, repo string, content []byte) (string, error)

	// CreateTree creates a tree on top of baseTree and returns its SHA.
	CreateTree(ctx context.Context, token, repo, baseTree string, entries []TreeEntry) (string, error)

	// CreateCommit creates a commit and returns its SHA.
	CreateCommit(ctx context.Context, token, repo string, params CreateCommitParams) (string, error)

	// CreateOrUpdateRef points ref (e.g. "heads/branch") at sha, creating it
	// if missing and updating it otherwise.
	CreateOrUpdateRef(ctx context.Context, token, repo, ref, sha string, force bool) error

	// CreatePullRequest opens a pull request.
	CreatePullRequest(ctx context.Context, token, repo string, params CreatePRParams) (*PullRequest, error)

	// FindPullRequest returns the open pull request for head ("owner:branch")
	// into base. Returns an error matching ErrNotFound if there is none.
	FindPullRequest(ctx context.Context, token, repo, head, base string) (*PullRequest, error)

	// GetFileContents returns the decoded content of path at ref.
	// An empty ref means the default branch.
	GetFileContents(ctx context.Context, token, repo, path, ref string) ([]byte, error)
}
