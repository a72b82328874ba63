package profile

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
)

// DefaultVersion is used when profile.json has no version.
const DefaultVersion = "1.0.0"

// categoryOrder is the display order of known content categories.
var categoryOrder = []string{"commands", "agents", "skills", "hooks"}

// Contents lists a profile's functional items by category.
type Contents map[string][]string

// Empty reports whether every category is empty.
func (c Contents) Empty() bool {
	for _, items := range c {
		if len(items) > 0 {
			return false
		}
	}
	return true
}

// Categories returns the non-empty categories, known ones first.
func (c Contents) Categories() []string {
	var cats []string
	for _, cat := range categoryOrder {
		if len(c[cat]) > 0 {
			cats = append(cats, cat)
		}
	}
	var rest []string
	for cat, items := range c {
		if len(items) > 0 && !slices.Contains(categoryOrder, cat) {
			rest = append(rest, cat)
		}
	}
	slices.Sort(rest)
	return append(cats, rest...)
}

// Display renders the items of cat, with commands shown as slash commands.
func (c Contents) Display(cat string) []string {
	items := c[cat]
	if cat != "commands" {
		return items
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = "/" + item
	}
	return out
}

// Metadata is the content of profile.json.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Contents    Contents `json:"contents,omitempty"`

	// set when publishing
	Author      string `json:"author,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
}

// VersionOrDefault returns Version, or DefaultVersion when unset.
func (m Metadata) VersionOrDefault() string {
	if m.Version == "" {
		return DefaultVersion
	}
	return m.Version
}

// ValidateVersion checks that the version is a semantic version.
func (m Metadata) ValidateVersion() error {
	if _, err := semver.NewVersion(m.VersionOrDefault()); err != nil {
		return fmt.Errorf("invalid version %q: %w", m.Version, err)
	}
	return nil
}

// ParseMetadata decodes profile.json.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse profile.json: %w", err)
	}
	return &m, nil
}

// Encode returns the two-space indented JSON form.
func (m Metadata) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
