// Package styles provides shared lipgloss styles for UI components.
//
// This package centralizes color definitions and styling to ensure
// visual consistency across the static and progress packages.
package styles

import (
	"image/color"

	"charm.land/lipgloss/v2"
)

// Theme defines the color palette for UI components
type Theme struct {
	Primary color.Color // main accent color (borders, titles)
	Accent  color.Color // highlight color (user code)
	Success color.Color // success indicators (checkmarks)
	Error   color.Color // error messages
	Muted   color.Color // secondary text
}

var (
	// DefaultTheme is the default color scheme
	DefaultTheme = Theme{
		Primary: lipgloss.Color("62"),  // cyan/teal
		Accent:  lipgloss.Color("212"), // pink/magenta
		Success: lipgloss.Color("82"),  // green
		Error:   lipgloss.Color("196"), // red
		Muted:   lipgloss.Color("240"), // dark gray
	}

	// NoneTheme disables all colors
	NoneTheme = Theme{
		Primary: lipgloss.NoColor{},
		Accent:  lipgloss.NoColor{},
		Success: lipgloss.NoColor{},
		Error:   lipgloss.NoColor{},
		Muted:   lipgloss.NoColor{},
	}
)

// Common styles
var (
	// Bold applies bold formatting
	Bold lipgloss.Style

	// PrimaryStyle applies the primary color
	PrimaryStyle lipgloss.Style

	// AccentStyle applies the accent color with bold
	AccentStyle lipgloss.Style

	// SuccessStyle applies the success color
	SuccessStyle lipgloss.Style

	// ErrorStyle applies the error color
	ErrorStyle lipgloss.Style

	// MutedStyle applies the muted color
	MutedStyle lipgloss.Style

	// Box frames the device verification prompt
	Box lipgloss.Style
)

func init() {
	Apply(DefaultTheme)
}

// Apply rebuilds the style variables from theme.
// Call before rendering any UI.
func Apply(theme Theme) {
	Bold = lipgloss.NewStyle().Bold(true)
	PrimaryStyle = lipgloss.NewStyle().Foreground(theme.Primary)
	AccentStyle = lipgloss.NewStyle().Foreground(theme.Accent).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(theme.Success)
	ErrorStyle = lipgloss.NewStyle().Foreground(theme.Error)
	MutedStyle = lipgloss.NewStyle().Foreground(theme.Muted)
	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(theme.Primary).
		Padding(0, 2)
}

// Check renders a success checkmark followed by msg.
func Check(msg string) string {
	return SuccessStyle.Render("✓") + " " + msg
}
