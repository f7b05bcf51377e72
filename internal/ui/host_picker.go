package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
)

type hostItem struct {
	host model.Host
}

func (i hostItem) Title() string { return i.host.Name }

func (i hostItem) Description() string {
	desc := i.host.Address
	if i.host.Username != "" {
		desc = i.host.Username + "@" + desc
	}
	if i.host.Port != 0 && i.host.Port != 22 {
		desc = fmt.Sprintf("%s:%d", desc, i.host.Port)
	}
	return desc + " | " + string(i.host.Status)
}

func (i hostItem) FilterValue() string { return i.host.Name + " " + i.host.Address }

// HostPickerModel is a Bubble Tea model for choosing one host.
type HostPickerModel struct {
	list     list.Model
	selected *model.Host
	quitting bool
}

var (
	pickKey = key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select"))
	quitKey = key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q/esc", "cancel"))
)

// NewHostPickerModel creates a picker over hosts.
func NewHostPickerModel(hosts []model.Host) HostPickerModel {
	items := make([]list.Item, len(hosts))
	for i, h := range hosts {
		items[i] = hostItem{host: h}
	}

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(ColorPrimary).
		BorderForeground(ColorSecondary)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(ColorMuted)

	l := list.New(items, delegate, 80, 15)
	l.Title = "Select a host"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.Styles.Title = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true).Padding(0, 0, 1, 0)

	return HostPickerModel{list: l}
}

func (m HostPickerModel) Init() tea.Cmd { return nil }

func (m HostPickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Keys belong to the filter input while the user is typing.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, pickKey):
			if item, ok := m.list.SelectedItem().(hostItem); ok {
				h := item.host
				m.selected = &h
			}
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, quitKey):
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m HostPickerModel) View() string {
	if m.quitting {
		return ""
	}
	return m.list.View()
}

// Selected returns the chosen host, or nil if the picker was cancelled.
func (m HostPickerModel) Selected() *model.Host { return m.selected }

// PickHost lets the user choose one of hosts. A single host is returned
// without prompting; nil means the user cancelled.
func PickHost(hosts []model.Host) (*model.Host, error) {
	return PickHostWithIO(hosts, os.Stdout, os.Stdin)
}

// PickHostWithIO is PickHost with explicit terminal I/O.
func PickHostWithIO(hosts []model.Host, output io.Writer, input io.Reader) (*model.Host, error) {
	if len(hosts) == 0 {
		return nil, errors.New(errors.ErrNotFound, "No hosts to pick from", "Add one with 'fleet hosts add'.")
	}
	if len(hosts) == 1 {
		return &hosts[0], nil
	}

	p := tea.NewProgram(NewHostPickerModel(hosts), tea.WithOutput(output), tea.WithInput(input))
	final, err := p.Run()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Host picker failed", "Name the host explicitly instead.")
	}
	if m, ok := final.(HostPickerModel); ok {
		return m.Selected(), nil
	}
	return nil, nil
}
