// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color palette for log output. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// LevelColors is indexed by relay level: trace, debug, info, warn,
	// error.
	LevelColors [5]lipgloss.Color

	// NoticeForeground colors out-of-band lines such as drop notices.
	NoticeForeground lipgloss.Color
}

// LevelColor returns the color for a level index. Out-of-range values
// return NormalText.
func (theme Theme) LevelColor(level int) lipgloss.Color {
	if level < 0 || level >= len(theme.LevelColors) {
		return theme.NormalText
	}
	return theme.LevelColors[level]
}

// ProducerColor returns a deterministic color for a producer name, so
// interleaved output from several producers stays distinguishable.
// The hash avoids the first 16 ANSI colors, which vary by terminal
// theme, and the grayscale ramp.
func ProducerColor(name string) lipgloss.Color {
	hash := uint32(0)
	for _, character := range name {
		hash = hash*31 + uint32(character)
	}
	return lipgloss.Color(fmt.Sprintf("%d", 17+hash%215))
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	LevelColors: [5]lipgloss.Color{
		lipgloss.Color("240"), // trace: dim gray
		lipgloss.Color("245"), // debug: gray
		lipgloss.Color("114"), // info: green
		lipgloss.Color("220"), // warn: amber
		lipgloss.Color("196"), // error: bright red
	},

	NoticeForeground: lipgloss.Color("208"),
}
