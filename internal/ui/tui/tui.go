// Package tui is an interactive terminal chat over the answering engine.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Answerer is the engine entry point the chat drives.
type Answerer interface {
	Answer(ctx context.Context, sessionID, question string) (string, error)
}

// TUI lets other goroutines push status lines into a running program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))

	customerStyle = lipgloss.NewStyle().Bold(true)

	noteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	inputStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type LogMsg string
type StatusMsg string

type answerMsg struct {
	question string
	answer   string
	err      error
}

type Model struct {
	Title     string
	SessionID string
	Status    string
	Lines     []string
	Input     textinput.Model
	Viewport  viewport.Model
	Spinner   spinner.Model
	Waiting   bool
	Quitting  bool
	Ready     bool
	Width     int
	Height    int

	engine Answerer
	ctx    context.Context
}

func NewModel(ctx context.Context, engine Answerer, title, sessionID string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about a product and press Enter"
	ti.CharLimit = 0
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		Title:     title,
		SessionID: sessionID,
		Status:    "Ready",
		Input:     ti,
		Spinner:   sp,
		engine:    engine,
		ctx:       ctx,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) ask(question string) tea.Cmd {
	return func() tea.Msg {
		answer, err := m.engine.Answer(m.ctx, m.SessionID, question)
		return answerMsg{question: question, answer: answer, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			q := strings.TrimSpace(m.Input.Value())
			if q == "" || m.Waiting {
				return m, nil
			}
			m.Input.Reset()
			m.Waiting = true
			m.Status = "Thinking..."
			m.appendLine(customerStyle.Render("You: ") + q)
			return m, tea.Batch(m.ask(q), m.Spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		_, frame := inputStyle.GetFrameSize()
		height := msg.Height - 4 - frame
		if height < 3 {
			height = 3
		}
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, height)
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = height
		}
		m.Input.Width = msg.Width - 6
		m.refresh()

	case answerMsg:
		m.Waiting = false
		if msg.err != nil {
			m.Status = "Error"
			m.appendLine(errorStyle.Render("Error: " + msg.err.Error()))
		} else {
			m.Status = "Ready"
			m.appendLine(infoStyle.Render("Assistant: ") + msg.answer)
		}

	case LogMsg:
		m.appendLine(noteStyle.Render(string(msg)))

	case StatusMsg:
		m.Status = string(msg)

	case spinner.TickMsg:
		if m.Waiting {
			var cmd tea.Cmd
			m.Spinner, cmd = m.Spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) appendLine(line string) {
	m.Lines = append(m.Lines, line)
	m.refresh()
}

func (m *Model) refresh() {
	if !m.Ready {
		return
	}
	width := m.Viewport.Width
	if width <= 0 {
		width = 80
	}
	wrapped := lipgloss.NewStyle().Width(width).Render(strings.Join(m.Lines, "\n\n"))
	m.Viewport.SetContent(wrapped)
	m.Viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" " + m.Title + " ")
	session := noteStyle.Render(fmt.Sprintf(" session %s ", m.SessionID))

	status := infoStyle.Render(" " + m.Status + " ")
	if m.Waiting {
		status = m.Spinner.View() + status
	}

	view := fmt.Sprintf("%s%s\n\n%s\n%s\n%s",
		header, session,
		m.Viewport.View(),
		inputStyle.Render(m.Input.View()),
		status)

	if m.Quitting {
		return view + "\n  Bye.\n"
	}
	return view
}
