package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type formField struct {
	Key         string
	Label       string
	Placeholder string
}

// form is a stack of text inputs; tab moves focus, enter submits.
type form struct {
	title  string
	fields []formField
	inputs []textinput.Model
	focus  int
}

func newForm(title string, fields []formField) *form {
	inputs := make([]textinput.Model, 0, len(fields))
	for i, f := range fields {
		inp := textinput.New()
		inp.Prompt = f.Label + ": "
		inp.Placeholder = f.Placeholder
		if i == 0 {
			inp.Focus()
		}
		inputs = append(inputs, inp)
	}
	return &form{title: title, fields: fields, inputs: inputs}
}

// update returns submitted=true on enter and cancelled=true on esc.
func (f *form) update(msg tea.KeyMsg) (cmd tea.Cmd, submitted, cancelled bool) {
	switch msg.String() {
	case "esc":
		return nil, false, true
	case "enter":
		return nil, true, false
	case "tab", "shift+tab", "down", "up":
		dir := 1
		if msg.String() == "shift+tab" || msg.String() == "up" {
			dir = -1
		}
		f.inputs[f.focus].Blur()
		f.focus = (f.focus + dir + len(f.inputs)) % len(f.inputs)
		return f.inputs[f.focus].Focus(), false, false
	}
	f.inputs[f.focus], cmd = f.inputs[f.focus].Update(msg)
	return cmd, false, false
}

func (f *form) values() map[string]string {
	vals := make(map[string]string, len(f.fields))
	for i, fd := range f.fields {
		vals[fd.Key] = strings.TrimSpace(f.inputs[i].Value())
	}
	return vals
}

func (f *form) view() string {
	lines := []string{titleStyle.Render(f.title)}
	for _, in := range f.inputs {
		lines = append(lines, in.View())
	}
	lines = append(lines, "[enter] Save  [tab] Next field  [esc] Cancel")
	return strings.Join(lines, "\n")
}
