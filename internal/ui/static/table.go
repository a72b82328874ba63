// Package static provides non-interactive terminal output components.
//
// This package contains components for rendering formatted output
// that does not require user interaction, such as tables and
// formatted text displays.
package static

import (
	"strings"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/raphi011/cpm/internal/profile"
	"github.com/raphi011/cpm/internal/ui/styles"
)

// ProfileHeaders are the columns of the profile list table.
var ProfileHeaders = []string{"NAME", "TYPE", "DESCRIPTION"}

// RenderTable creates a formatted table with proper column alignment.
// Headers and rows are rendered using lipgloss/table which automatically
// calculates column widths based on content. No borders are rendered.
func RenderTable(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	var output strings.Builder

	t := table.New().
		Headers(headers...).
		Rows(rows...).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		BorderRow(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).PaddingRight(2)
			}
			return lipgloss.NewStyle().PaddingRight(2)
		})

	output.WriteString(t.String())
	output.WriteString("\n")

	return output.String()
}

// ProfileTableRow returns one row for ProfileHeaders.
func ProfileTableRow(p profile.Info) []string {
	kind := p.Kind.String()
	if p.Kind == profile.Custom {
		kind = styles.MutedStyle.Render(kind)
	}
	return []string{p.Name, kind, p.Description}
}

// RenderProfiles renders profiles as a table. Returns "" for no profiles.
func RenderProfiles(profiles []profile.Info) string {
	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, ProfileTableRow(p))
	}
	return RenderTable(ProfileHeaders, rows)
}
