// Package tui implements the interactive `aurora chat` terminal UI.
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

	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// Asker is the subset of the query service the chat UI needs.
type Asker interface {
	Answer(ctx context.Context, question string) (string, error)
	Context(ctx context.Context, question string) (string, []retrieval.Hit, error)
}

// exchange is one question and its outcome.
type exchange struct {
	question string
	answer   string
	err      error
	sources  []retrieval.Hit
	// sourcesErr is set when the sources lookup failed.
	sourcesErr error
	showSrc    bool
}

// answerMsg carries the result of an Answer call.
type answerMsg struct {
	index  int
	answer string
	err    error
}

// sourcesMsg carries the result of a Context call.
type sourcesMsg struct {
	index int
	hits  []retrieval.Hit
	err   error
}

// Model is the Bubble Tea model for the chat UI.
type Model struct {
	ctx     context.Context
	asker   Asker
	title   string
	input   textinput.Model
	view    viewport.Model
	spin    spinner.Model
	history []exchange
	pending bool
	status  string
	ready   bool
}

// New creates a chat model. ctx bounds every question asked through it.
func New(ctx context.Context, asker Asker, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about member messages and press Enter"
	ti.Focus()
	ti.CharLimit = 500

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:    ctx,
		asker:  asker,
		title:  title,
		input:  ti,
		view:   viewport.New(0, 0),
		spin:   sp,
		status: "Enter to ask, Ctrl+O to toggle sources, Esc to quit.",
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and result messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // title, status, input box, spacer
		m.view.Width = max(20, msg.Width-2)
		m.view.Height = max(3, msg.Height-reserved-th)
		m.input.Width = max(10, msg.Width-6)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyCtrlO:
			return m.toggleSources()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case answerMsg:
		m.pending = false
		if msg.index < len(m.history) {
			m.history[msg.index].answer = msg.answer
			m.history[msg.index].err = msg.err
		}
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = "Answered."
		}
		m.refresh()
		return m, nil

	case sourcesMsg:
		if msg.index < len(m.history) {
			ex := &m.history[msg.index]
			ex.sources = msg.hits
			ex.sourcesErr = msg.err
			ex.showSrc = true
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.pending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the current input as a question.
func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.pending {
		return m, nil
	}
	q := strings.TrimSpace(m.input.Value())
	if q == "" {
		return m, nil
	}
	m.input.Reset()
	m.history = append(m.history, exchange{question: q})
	m.pending = true
	m.status = "Thinking..."
	m.refresh()
	return m, tea.Batch(m.spin.Tick, askCmd(m.ctx, m.asker, len(m.history)-1, q))
}

// toggleSources shows or hides the retrieved messages for the latest answer,
// fetching them on first use.
func (m Model) toggleSources() (tea.Model, tea.Cmd) {
	if len(m.history) == 0 {
		return m, nil
	}
	i := len(m.history) - 1
	ex := &m.history[i]
	if ex.sources != nil || ex.sourcesErr != nil {
		ex.showSrc = !ex.showSrc
		m.refresh()
		return m, nil
	}
	m.status = "Retrieving sources..."
	return m, sourcesCmd(m.ctx, m.asker, i, ex.question)
}

func askCmd(ctx context.Context, asker Asker, index int, question string) tea.Cmd {
	return func() tea.Msg {
		text, err := asker.Answer(ctx, question)
		return answerMsg{index: index, answer: text, err: err}
	}
}

func sourcesCmd(ctx context.Context, asker Asker, index int, question string) tea.Cmd {
	return func() tea.Msg {
		_, hits, err := asker.Context(ctx, question)
		return sourcesMsg{index: index, hits: hits, err: err}
	}
}

// refresh re-renders the transcript and scrolls to the bottom.
func (m *Model) refresh() {
	m.view.SetContent(m.renderTranscript())
	m.view.GotoBottom()
}

// View renders the chat layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	status := m.status
	if m.pending {
		status = m.spin.View() + " " + status
	}
	return titleStyle.Render(m.title) + "\n" +
		transcriptStyle.Render(m.view.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		statusStyle.Render(status)
}

func (m Model) renderTranscript() string {
	if len(m.history) == 0 {
		return hintStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for i, ex := range m.history {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(questionStyle.Render("Q: " + ex.question))
		b.WriteString("\n")
		switch {
		case ex.err != nil:
			b.WriteString(errorStyle.Render("Error: " + ex.err.Error()))
		case ex.answer == "" && m.pending && i == len(m.history)-1:
			b.WriteString(hintStyle.Render("..."))
		default:
			b.WriteString(ex.answer)
		}
		b.WriteString("\n")
		if ex.showSrc {
			b.WriteString(renderSources(ex))
		}
	}
	return b.String()
}

func renderSources(ex exchange) string {
	if ex.sourcesErr != nil {
		return errorStyle.Render("Sources unavailable: "+ex.sourcesErr.Error()) + "\n"
	}
	var b strings.Builder
	for _, h := range ex.sources {
		fmt.Fprintf(&b, "  [%d] %.4f %s\n", h.Position, h.Distance, h.Text)
	}
	return sourceStyle.Render(b.String())
}

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	hintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sourceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)
