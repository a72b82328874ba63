// Package forge is a typed client for the git hosting API used by the
// marketplace publish flow.
//
// The [Forge] interface covers the REST and Git Data operations publish
// needs: resolving the token owner, forking, writing blobs, trees, commits
// and refs, and opening pull requests. [GitHub] implements it over HTTPS.
//
// # Errors
//
// Every non-2xx response becomes an [*APIError]. It unwraps to a sentinel
// by status, so callers branch with errors.Is instead of matching strings:
//
//	if errors.Is(err, forge.ErrForbidden) {
//	    // token lacks write access
//	}
//
// A 403 that is really a rate limit unwraps to [ErrRateLimited] instead of
// [ErrForbidden].
package forge
