package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

type keyMap struct {
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
	Upload   key.Binding
	Search   key.Binding
	Clear    key.Binding
	Delete   key.Binding
	Settings key.Binding
	Catalog  key.Binding
	NewPhone key.Binding
	Activate key.Binding
	Reset    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Quit:     key.NewBinding(key.WithKeys("q"), key.WithHelp("q", "quit")),
		Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Upload:   key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "upload")),
		Search:   key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
		Clear:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "clear filter")),
		Delete:   key.NewBinding(key.WithKeys("backspace", "delete"), key.WithHelp("del", "delete")),
		Settings: key.NewBinding(key.WithKeys("p", "tab"), key.WithHelp("p", "settings")),
		Catalog:  key.NewBinding(key.WithKeys("c", "esc", "tab"), key.WithHelp("c", "catalog")),
		NewPhone: key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "new")),
		Activate: key.NewBinding(key.WithKeys("enter", "a"), key.WithHelp("enter", "activate")),
		Reset:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "reset all")),
	}
}

func (k keyMap) catalogHelp() []key.Binding {
	return []key.Binding{k.Upload, k.Search, k.Delete, k.Settings, k.Quit}
}

func (k keyMap) settingsHelp() []key.Binding {
	return []key.Binding{k.NewPhone, k.Activate, k.Delete, k.Reset, k.Catalog, k.Quit}
}

func renderFooter(bindings []key.Binding) string {
	space := lipgloss.NewStyle().Background(colorMantle).Render(" ")
	sep := lipgloss.NewStyle().Background(colorMantle).Render("  ")
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		if h.Key == "" && h.Desc == "" {
			continue
		}
		parts = append(parts, footerKeyStyle.Render(h.Key)+space+footerDescStyle.Render(h.Desc))
	}
	return strings.Join(parts, sep)
}
