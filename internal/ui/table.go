package ui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Column is one table column. A zero Width sizes the column to its widest
// cell.
type Column struct {
	Title string
	Width int
}

// RenderTable renders a static table for CLI output. Cells may carry ANSI
// styling; widths are measured on visible characters.
func RenderTable(columns []Column, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	cols := make([]table.Column, len(columns))
	for i, c := range columns {
		width := c.Width
		if width == 0 {
			width = lipgloss.Width(c.Title)
			for _, r := range rows {
				if i < len(r) && lipgloss.Width(r[i]) > width {
					width = lipgloss.Width(r[i])
				}
			}
		}
		cols[i] = table.Column{Title: c.Title, Width: width}
	}

	tableRows := make([]table.Row, len(rows))
	for i, r := range rows {
		tableRows[i] = table.Row(r)
	}

	t := table.New(
		table.WithColumns(cols),
		table.WithRows(tableRows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1), // +1 for header
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorMuted).
		BorderBottom(true).
		Bold(true).
		Foreground(ColorPrimary)
	s.Cell = s.Cell.Foreground(ColorPrimary)
	// Unfocused tables still highlight the cursor row; render it like the rest.
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	return t.View()
}
