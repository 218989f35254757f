package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/wasm-influence/image"
)

type interactiveModel struct {
	err      error
	app      *app
	result   string
	types    []typeInfo
	visible  []int
	filter   textinput.Model
	selected int
	state    modelState
	loaded   bool
}

type typeInfo struct {
	ref         image.TypeRef
	constructor string
	members     int
	patched     bool
}

type modelState int

const (
	stateSelectType modelState = iota
	stateFilter
	stateShowResult
)

func newInteractiveModel(a *app) *interactiveModel {
	ti := textinput.New()
	ti.Prompt = "/ "
	ti.Placeholder = "type name"
	ti.Width = 40
	return &interactiveModel{app: a, filter: ti, state: stateSelectType}
}

type loadedMsg struct {
	err   error
	types []typeInfo
}

type actionMsg struct {
	err     error
	result  string
	patched *image.TypeRef
	cleared bool
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadTypes
}

func (m *interactiveModel) loadTypes() tea.Msg {
	var types []typeInfo
	for _, e := range m.app.env.Catalog().Entries() {
		img, err := readImage(e.Path)
		if err != nil {
			return loadedMsg{err: err}
		}
		id, _ := img.Identity()
		for _, t := range img.TypeInfos() {
			ti := typeInfo{ref: image.TypeRef{Module: id, Name: t.Name}, members: len(t.Members)}
			if ctor, ok := t.Constructor(); ok {
				ti.constructor = ctor.Name
			} else if len(t.Members) > 0 && t.Members[0].Imported {
				// Imported from the declaring module; listed there.
				continue
			}
			types = append(types, ti)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ref.Name < types[j].ref.Name })
	return loadedMsg{types: types}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateFilter {
			switch msg.String() {
			case "enter", "esc":
				m.filter.Blur()
				m.state = stateSelectType
				return m, nil
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			m.applyFilter()
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectType && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectType && m.selected < len(m.visible)-1 {
				m.selected++
			}

		case "/":
			if m.state == stateSelectType {
				m.state = stateFilter
				return m, m.filter.Focus()
			}

		case "p":
			if t, ok := m.current(); ok && m.state == stateSelectType {
				return m, m.patch(t.ref)
			}

		case "enter":
			switch m.state {
			case stateSelectType:
				if t, ok := m.current(); ok {
					return m, m.instantiate(t.ref)
				}
			case stateShowResult:
				m.state = stateSelectType
				m.result = ""
				m.err = nil
			}

		case "c":
			if t, ok := m.current(); ok && m.state == stateSelectType {
				return m, m.construct(t.ref)
			}

		case "x":
			if m.state == stateSelectType {
				return m, m.clear
			}

		case "esc":
			if m.state == stateShowResult {
				m.state = stateSelectType
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		m.loaded = true
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.types = msg.types
		m.applyFilter()

	case actionMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
		if msg.cleared {
			for i := range m.types {
				m.types[i].patched = false
			}
		}
		if msg.patched != nil {
			for i := range m.types {
				if m.types[i].ref.Module.Equal(msg.patched.Module) {
					m.types[i].patched = true
				}
			}
		}
	}

	return m, nil
}

func (m *interactiveModel) applyFilter() {
	q := strings.ToLower(m.filter.Value())
	m.visible = m.visible[:0]
	for i, t := range m.types {
		if q == "" || strings.Contains(strings.ToLower(t.ref.Name), q) {
			m.visible = append(m.visible, i)
		}
	}
	if m.selected >= len(m.visible) {
		m.selected = max(len(m.visible)-1, 0)
	}
}

func (m *interactiveModel) current() (typeInfo, bool) {
	if m.selected >= len(m.visible) {
		return typeInfo{}, false
	}
	return m.types[m.visible[m.selected]], true
}

func (m *interactiveModel) patch(ref image.TypeRef) tea.Cmd {
	return func() tea.Msg {
		res, err := m.app.env.Patch(context.Background(), ref, m.app.probe, probeMethod)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{
			result:  fmt.Sprintf("patched %s::%s\nwrote %s", ref.Name, res.Constructor, res.Output),
			patched: &ref,
		}
	}
}

func (m *interactiveModel) instantiate(ref image.TypeRef) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		before := m.app.probe.Count()
		obj, err := m.app.env.Instantiate(ctx, ref)
		if err != nil {
			return actionMsg{err: err}
		}
		defer obj.Close(ctx)
		return actionMsg{result: fmt.Sprintf("instantiated %s\nhandle %d, substituted %v, probe +%d",
			ref.Name, obj.Handle(), obj.Substituted(), m.app.probe.Count()-before)}
	}
}

func (m *interactiveModel) construct(ref image.TypeRef) tea.Cmd {
	return func() tea.Msg {
		before := m.app.probe.Count()
		obj, err := m.app.env.Construct(context.Background(), ref)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{result: fmt.Sprintf("constructed %s through the ambient pipeline\nhandle %d, probe +%d",
			ref.Name, obj.Handle(), m.app.probe.Count()-before)}
	}
}

func (m *interactiveModel) clear() tea.Msg {
	n := m.app.env.Registry().Len()
	m.app.env.Clear()
	return actionMsg{result: fmt.Sprintf("cleared %d registry entries", n), cleared: true}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if !m.loaded {
		return "Loading modules..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("influence"))
	fmt.Fprintf(&b, " probe %d • registry %d\n\n", m.app.probe.Count(), m.app.env.Registry().Len())

	switch m.state {
	case stateSelectType, stateFilter:
		if m.state == stateFilter || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n\n")
		}
		if len(m.visible) == 0 {
			b.WriteString(helpStyle.Render("No types found in the search paths."))
			b.WriteString("\n")
		}
		for i, idx := range m.visible {
			line := m.formatType(m.types[idx])
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • p patch • enter instantiate • c construct • x clear • / filter • q quit"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatType(t typeInfo) string {
	s := typeStyle.Render(t.ref.Name)
	if t.constructor != "" {
		s += " " + memberStyle.Render(t.constructor)
	} else {
		s += " " + helpStyle.Render("(no constructor)")
	}
	s += fmt.Sprintf(" %d members", t.members)
	if t.patched {
		s += " " + resultStyle.Render("[patched]")
	}
	return s
}

func runInteractive(a *app) error {
	p := tea.NewProgram(newInteractiveModel(a), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
