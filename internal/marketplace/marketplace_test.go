package marketplace

import (
	"encoding/json"
	"testing"

	"github.com/raphi011/cpm/internal/profile"
)

func TestIndex_UpsertReplaces(t *testing.T) {
	t.Parallel()

	ix, err := ParseIndex([]byte(`{"profiles":[
		{"name":"dev","author":"alice","version":"1.0.0","downloads":12,"stars":3},
		{"name":"ops","author":"bob","version":"0.1.0"}
	]}`))
	if err != nil {
		t.Fatalf("ParseIndex() = %v", err)
	}

	first := NewEntry("alice", "dev", profile.Metadata{Version: "1.1.0", Description: "first"}, "2024-01-15T10:30:00Z")
	ix.Upsert(first)
	second := NewEntry("alice", "dev", profile.Metadata{Version: "2.0.0", Description: "second"}, "2024-01-16T10:30:00Z")
	ix.Upsert(second)

	count := 0
	for _, p := range ix.Profiles {
		if p.Author == "alice" && p.Name == "dev" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("entries for alice/dev = %d, want 1", count)
	}

	got, ok := ix.Find("alice", "dev")
	if !ok {
		t.Fatal("Find(alice, dev) = not found")
	}
	if got.Version != "2.0.0" || got.Description != "second" || got.CreatedAt != "2024-01-16T10:30:00Z" {
		t.Errorf("entry = %+v, want second publish to win", got)
	}
	if got.Downloads != 0 || got.Stars != 0 {
		t.Errorf("downloads/stars = %d/%d, want 0/0", got.Downloads, got.Stars)
	}

	if len(ix.Profiles) != 2 || ix.Profiles[0].Author != "bob" || ix.Profiles[1].Author != "alice" {
		t.Errorf("profiles = %+v, want bob then alice", ix.Profiles)
	}
}

func TestIndex_UpsertKeepsSameNameOtherAuthor(t *testing.T) {
	t.Parallel()

	ix := &Index{}
	ix.Upsert(Entry{Author: "alice", Name: "dev"})
	ix.Upsert(Entry{Author: "bob", Name: "dev"})

	if len(ix.Profiles) != 2 {
		t.Errorf("profiles = %d, want 2", len(ix.Profiles))
	}
}

func TestParseIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty input", "", 0, false},
		{"whitespace", "  \n", 0, false},
		{"no profiles key", `{"lastUpdated":"x"}`, 0, false},
		{"one profile", `{"profiles":[{"name":"a","author":"b"}]}`, 1, false},
		{"invalid", `{`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ix, err := ParseIndex([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIndex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if ix.Profiles == nil {
				t.Error("Profiles should never be nil")
			}
			if len(ix.Profiles) != tt.want {
				t.Errorf("profiles = %d, want %d", len(ix.Profiles), tt.want)
			}
		})
	}
}

func TestIndex_Encode(t *testing.T) {
	t.Parallel()

	ix := Index{LastUpdated: "2024-01-15T10:30:00Z"}
	ix.Upsert(NewEntry("alice", "dev", profile.Metadata{}, "2024-01-15T10:30:00Z"))

	data, err := ix.Encode()
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("encoded index is not JSON: %v", err)
	}
	entry := raw["profiles"].([]any)[0].(map[string]any)
	if entry["version"] != "1.0.0" {
		t.Errorf("version = %v, want default 1.0.0", entry["version"])
	}
	if tags, ok := entry["tags"].([]any); !ok || len(tags) != 0 {
		t.Errorf("tags = %v, want []", entry["tags"])
	}
	if contents, ok := entry["contents"].(map[string]any); !ok || len(contents) != 0 {
		t.Errorf("contents = %v, want {}", entry["contents"])
	}
	if string(data[:4]) != "{\n  " {
		t.Errorf("index should be two-space indented, got %q", data[:4])
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()

	if got := ProfilePath("alice", "dev"); got != "profiles/alice/dev/profile.json" {
		t.Errorf("ProfilePath = %q", got)
	}
	if got := SnapshotPath("alice", "dev"); got != "profiles/alice/dev/snapshot.zip" {
		t.Errorf("SnapshotPath = %q", got)
	}
	if got := BranchName("alice", "dev"); got != "profile-submission/alice/dev" {
		t.Errorf("BranchName = %q", got)
	}
	if got := CommitMessage("alice", "dev"); got != "Add profile: alice/dev" {
		t.Errorf("CommitMessage = %q", got)
	}
}

func TestPRBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		md   profile.Metadata
		want string
	}{
		{
			name: "full",
			md: profile.Metadata{
				Version:     "1.2.0",
				Description: "Backend setup",
				Contents: profile.Contents{
					"skills":   {"testing"},
					"commands": {"deploy", "review"},
					"empty":    {},
				},
			},
			want: "## Profile Submission\n\n" +
				"Adds profile **alice/dev** v1.2.0\n\n" +
				"**Description:** Backend setup\n\n" +
				"**Contents:**\n" +
				"- commands: /deploy, /review\n" +
				"- skills: testing\n",
		},
		{
			name: "defaults",
			md:   profile.Metadata{},
			want: "## Profile Submission\n\n" +
				"Adds profile **alice/dev** v1.0.0\n\n" +
				"**Description:** No description\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := PRBody("alice", "dev", tt.md); got != tt.want {
				t.Errorf("PRBody() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestValidateRepo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		repo    string
		wantErr bool
	}{
		{"owner/repo", false},
		{"My-Org/claude_profiles.v2", false},
		{"owner", true},
		{"owner/", true},
		{"/repo", true},
		{"a/b/c", true},
		{"owner/re po", true},
	}

	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			t.Parallel()
			if err := ValidateRepo(tt.repo); (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepo(%q) = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
		})
	}
}

func TestRepoOwnerAndName(t *testing.T) {
	t.Parallel()

	if got := RepoOwner("market/profiles"); got != "market" {
		t.Errorf("RepoOwner = %q", got)
	}
	if got := RepoName("market/profiles"); got != "profiles" {
		t.Errorf("RepoName = %q", got)
	}
}
