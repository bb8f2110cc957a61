package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/client"
	"chatrelay/internal/client/history"
	"chatrelay/internal/feature"
)

type chatSession interface {
	ID() string
	SyncMode() string
	Messages() []history.Message
	Clear() error
	Send(ctx context.Context, f feature.Feature, input string) (history.Message, error)
	Upload(ctx context.Context, path string) (string, error)
	Quote(ctx context.Context) string
}

var _ chatSession = (*client.Session)(nil)

type model struct {
	ctx     context.Context
	sess    chatSession
	feature feature.Feature
	inbound chan tea.Msg

	messages []history.Message
	quote    string
	status   string
	inflight bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

type quoteMsg struct{ text string }

type replyMsg struct {
	msg history.Message
	err error
}

type uploadMsg struct {
	link string
	err  error
}

type syncedMsg struct{ msg history.Message }

type uiTheme struct {
	header    lipgloss.Style
	panel     lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	image     lipgloss.Style
	status    lipgloss.Style
	errStatus lipgloss.Style
	help      lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(mint).Bold(true),
		image:     lipgloss.NewStyle().Foreground(pink).Underline(true),
		status:    lipgloss.NewStyle().Foreground(blue),
		errStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		help:      lipgloss.NewStyle().Foreground(muted),
	}
}

func newModel(ctx context.Context, sess chatSession, f feature.Feature, inbound chan tea.Msg) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = placeholderFor(f)
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return model{
		ctx:      ctx,
		sess:     sess,
		feature:  f,
		inbound:  inbound,
		messages: sess.Messages(),
		status:   fmt.Sprintf("session %s · sync %s", shortID(sess.ID()), sess.SyncMode()),
		input:    input,
		timeline: timeline,
		spinner:  sp,
		theme:    newTheme(),
	}
}

func placeholderFor(f feature.Feature) string {
	switch {
	case f == feature.Vision:
		return "Image URL, then your question"
	case f.TakesImage():
		return "Image URL (or /upload <file>)"
	case f.IsImageStyle():
		return "Describe the image"
	default:
		return "Type a message. /help lists commands."
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.quoteCmd(), waitSync(m.inbound))
}

func (m model) quoteCmd() tea.Cmd {
	return func() tea.Msg {
		return quoteMsg{text: m.sess.Quote(m.ctx)}
	}
}

func (m model) sendCmd(f feature.Feature, input string) tea.Cmd {
	return func() tea.Msg {
		msg, err := m.sess.Send(m.ctx, f, input)
		return replyMsg{msg: msg, err: err}
	}
}

func (m model) uploadCmd(path string) tea.Cmd {
	return func() tea.Msg {
		link, err := m.sess.Upload(m.ctx, path)
		return uploadMsg{link: link, err: err}
	}
}

func waitSync(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.render()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case quoteMsg:
		m.quote = msg.text
	case replyMsg:
		m.inflight = false
		if msg.err != nil && !errors.Is(msg.err, client.ErrEmptyInput) {
			m.status = "send failed: " + msg.err.Error()
		} else {
			m.status = "ready"
		}
		m.messages = m.sess.Messages()
		m.render()
	case uploadMsg:
		m.inflight = false
		if msg.err != nil {
			m.status = "upload failed: " + msg.err.Error()
			break
		}
		m.input.SetValue(msg.link + " ")
		m.input.CursorEnd()
		m.status = "uploaded · press enter to send"
	case syncedMsg:
		m.messages = m.sess.Messages()
		m.render()
		cmds = append(cmds, waitSync(m.inbound))
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.inflight {
				return m, tea.Batch(cmds...)
			}
			m.input.SetValue("")
			next, cmd := m.submit(line)
			return next, tea.Batch(append(cmds, cmd)...)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, tea.Batch(append(cmds, cmd)...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m model) submit(line string) (model, tea.Cmd) {
	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		m.inflight = true
		m.status = "sending to " + m.feature.String()
		// show the user's entry before the reply comes back
		m.messages = append(m.sess.Messages(), history.Message{Role: history.RoleUser, Content: line, Kind: feature.KindText})
		m.render()
		return m, m.sendCmd(m.feature, line)
	}

	switch name {
	case "quit", "exit":
		return m, tea.Quit
	case "help":
		m.status = helpText
	case "features":
		m.status = "features: " + featureList()
	case "feature", "f":
		f, err := feature.Parse(arg)
		if err != nil {
			m.status = err.Error()
			break
		}
		m.feature = f
		m.input.Placeholder = placeholderFor(f)
		m.status = "feature: " + f.String()
	case "clear":
		if err := m.sess.Clear(); err != nil {
			m.status = "clear failed: " + err.Error()
			break
		}
		m.messages = nil
		m.status = "history cleared"
		m.render()
	case "upload":
		if arg == "" {
			m.status = "usage: /upload <file>"
			break
		}
		m.inflight = true
		m.status = "uploading " + arg
		return m, m.uploadCmd(arg)
	case "quote":
		return m, m.quoteCmd()
	default:
		m.status = "unknown command /" + name
	}
	return m, nil
}

const helpText = "/feature <name> · /features · /upload <file> · /quote · /clear · /quit"

// parseCommand splits "/name arg..." lines. Other input is not a command.
func parseCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return "", "", false
	}
	parts := strings.SplitN(line[1:], " ", 2)
	name = strings.ToLower(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return name, arg, true
}

func featureList() string {
	names := make([]string, 0, len(feature.All()))
	for _, f := range feature.All() {
		names = append(names, f.String())
	}
	return strings.Join(names, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *model) resize() {
	width := max(40, m.width-4)
	m.input.Width = max(20, width-6)
	m.timeline.Width = width
	m.timeline.Height = max(5, m.height-9)
}

func (m *model) render() {
	m.timeline.SetContent(m.renderTimeline())
	m.timeline.GotoBottom()
}

func (m *model) renderTimeline() string {
	if len(m.messages) == 0 {
		return m.theme.help.Render("No messages yet. Pick a feature with /feature and say something.")
	}
	var b strings.Builder
	for _, msg := range m.messages {
		if msg.Role == history.RoleUser {
			b.WriteString(m.theme.user.Render("you"))
		} else {
			b.WriteString(m.theme.assistant.Render("relay"))
		}
		b.WriteString("\n")
		if msg.Kind == feature.KindImageURL {
			b.WriteString(m.theme.image.Render(msg.Content))
		} else {
			b.WriteString(lipgloss.NewStyle().Width(max(20, m.timeline.Width-2)).Render(msg.Content))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m model) View() string {
	quote := m.quote
	if quote == "" {
		quote = "…"
	}
	header := m.theme.header.Render(fmt.Sprintf("chatrelay · %s\n%s", m.feature.String(), m.theme.help.Render(quote)))

	status := m.theme.status.Render(m.status)
	if strings.Contains(m.status, "failed") {
		status = m.theme.errStatus.Render(m.status)
	}
	if m.inflight {
		status = m.spinner.View() + " " + status
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.timeline.View(),
		m.theme.panel.Render(m.input.View()),
		status,
	)
}
