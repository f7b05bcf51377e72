package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rileyhilliard/fleet/internal/errors"
)

var (
	pagerTitleStyle  = lipgloss.NewStyle().Bold(true)
	pagerFooterStyle = lipgloss.NewStyle().Foreground(ColorMuted)
)

// PagerModel scrolls long command output, such as service status or logs.
type PagerModel struct {
	title    string
	content  string
	viewport viewport.Model
	ready    bool
}

// NewPagerModel creates a pager over content.
func NewPagerModel(title, content string) PagerModel {
	return PagerModel{title: title, content: content}
}

func (m PagerModel) Init() tea.Cmd { return nil }

func (m PagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		// Reserve lines for the title and footer.
		headerHeight, footerHeight := 2, 1
		height := msg.Height - headerHeight - footerHeight
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.content)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m PagerModel) View() string {
	if !m.ready {
		return ""
	}
	footer := pagerFooterStyle.Render(fmt.Sprintf("%3.0f%%  ↑/↓ scroll · q quit", m.viewport.ScrollPercent()*100))
	return pagerTitleStyle.Render(m.title) + "\n\n" + m.viewport.View() + "\n" + footer
}

// Page writes content to out, through the interactive pager when the
// terminal is interactive and content is taller than height lines.
func Page(out io.Writer, title, content string, height int) error {
	if !Interactive() || strings.Count(content, "\n")+1 <= height {
		_, err := fmt.Fprintln(out, content)
		return err
	}
	p := tea.NewProgram(NewPagerModel(title, content), tea.WithAltScreen(), tea.WithOutput(out))
	if _, err := p.Run(); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Pager failed", "Pipe the output instead, e.g. | less.")
	}
	return nil
}
