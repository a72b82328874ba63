// Package marketplace models the shared profile repository: its file
// layout, index.json and the pull request text for a submission.
package marketplace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/raphi011/cpm/internal/profile"
)

// IndexPath is the location of the index at the repository root.
const IndexPath = "index.json"

// BaseBranch is the marketplace's default branch.
const BaseBranch = "main"

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// ValidateRepo checks the "owner/repo" format.
func ValidateRepo(repo string) error {
	if !repoPattern.MatchString(repo) {
		return fmt.Errorf("invalid repository %q: use owner/repo", repo)
	}
	return nil
}

// RepoOwner returns the owner part of "owner/repo".
func RepoOwner(repo string) string {
	owner, _, _ := strings.Cut(repo, "/")
	return owner
}

// RepoName returns the name part of "owner/repo".
func RepoName(repo string) string {
	_, name, _ := strings.Cut(repo, "/")
	return name
}

func ProfileDir(author, name string) string {
	return "profiles/" + author + "/" + name
}

func ProfilePath(author, name string) string {
	return ProfileDir(author, name) + "/profile.json"
}

func SnapshotPath(author, name string) string {
	return ProfileDir(author, name) + "/snapshot.zip"
}

// BranchName is the submission branch for a profile.
func BranchName(author, name string) string {
	return "profile-submission/" + author + "/" + name
}

// CommitMessage is used for both the submission commit and the PR title.
func CommitMessage(author, name string) string {
	return "Add profile: " + author + "/" + name
}

// PRBody renders the pull request description.
func PRBody(author, name string, md profile.Metadata) string {
	description := md.Description
	if description == "" {
		description = "No description"
	}

	var b strings.Builder
	b.WriteString("## Profile Submission\n\n")
	fmt.Fprintf(&b, "Adds profile **%s/%s** v%s\n\n", author, name, md.VersionOrDefault())
	fmt.Fprintf(&b, "**Description:** %s\n", description)

	if cats := md.Contents.Categories(); len(cats) > 0 {
		b.WriteString("\n**Contents:**\n")
		for _, cat := range cats {
			fmt.Fprintf(&b, "- %s: %s\n", cat, strings.Join(md.Contents.Display(cat), ", "))
		}
	}
	return b.String()
}

// Entry is one published profile in index.json.
type Entry struct {
	Name        string           `json:"name"`
	Author      string           `json:"author"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	Downloads   int              `json:"downloads"`
	Stars       int              `json:"stars"`
	CreatedAt   string           `json:"createdAt"`
	Contents    profile.Contents `json:"contents"`
}

// NewEntry builds the index entry for a publish at publishedAt.
func NewEntry(author, name string, md profile.Metadata, publishedAt string) Entry {
	tags := md.Tags
	if tags == nil {
		tags = []string{}
	}
	contents := md.Contents
	if contents == nil {
		contents = profile.Contents{}
	}
	return Entry{
		Name:        name,
		Author:      author,
		Version:     md.VersionOrDefault(),
		Description: md.Description,
		Tags:        tags,
		CreatedAt:   publishedAt,
		Contents:    contents,
	}
}

// Index is the marketplace's index.json.
type Index struct {
	Profiles    []Entry `json:"profiles"`
	LastUpdated string  `json:"lastUpdated,omitempty"`
}

// ParseIndex decodes index.json. Empty input yields an empty index.
func ParseIndex(data []byte) (*Index, error) {
	ix := &Index{Profiles: []Entry{}}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ix, nil
	}
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexPath, err)
	}
	if ix.Profiles == nil {
		ix.Profiles = []Entry{}
	}
	return ix, nil
}

// Upsert replaces any entry with the same author and name by e, appended
// at the end. Downloads and stars restart at zero.
func (ix *Index) Upsert(e Entry) {
	kept := ix.Profiles[:0]
	for _, p := range ix.Profiles {
		if p.Author == e.Author && p.Name == e.Name {
			continue
		}
		kept = append(kept, p)
	}
	e.Downloads, e.Stars = 0, 0
	ix.Profiles = append(kept, e)
}

// Find returns the entry for author/name.
func (ix *Index) Find(author, name string) (Entry, bool) {
	for _, p := range ix.Profiles {
		if p.Author == author && p.Name == name {
			return p, true
		}
	}
	return Entry{}, false
}

// Encode returns the two-space indented JSON form.
func (ix Index) Encode() ([]byte, error) {
	if ix.Profiles == nil {
		ix.Profiles = []Entry{}
	}
	return json.MarshalIndent(ix, "", "  ")
}
