package admin

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dshills/pluginhost/internal/plugin"
)

// DefaultRefresh is how often the status view re-reads the registry.
const DefaultRefresh = time.Second

// maxFeed bounds the event and log lines kept by the status view.
const maxFeed = 200

// StatusOptions configures the status view.
type StatusOptions struct {
	// Events feeds lifecycle events into the view. Optional.
	Events <-chan plugin.Event

	// Logs feeds formatted log lines into the view. Optional.
	Logs <-chan []string

	Refresh time.Duration
	Now     func() time.Time
}

// Status is the bubbletea model behind serve --tui.
type Status struct {
	list Lister
	opts StatusOptions

	infos  []plugin.Info
	feed   []string
	height int
	width  int
	paused bool
	last   time.Time
}

// NewStatus creates the status view over list.
func NewStatus(list Lister, opts StatusOptions) Status {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return Status{list: list, opts: opts, infos: list.List(), last: opts.Now()}
}

type tickMsg time.Time

type eventMsg plugin.Event

type logMsg []string

func (m Status) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitEvent(ch <-chan plugin.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func waitLogs(ch <-chan []string) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		lines, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(lines)
	}
}

// Init implements tea.Model.
func (m Status) Init() tea.Cmd {
	return tea.Batch(m.tick(), waitEvent(m.opts.Events), waitLogs(m.opts.Logs))
}

// Update implements tea.Model.
func (m Status) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ", "space":
			m.paused = !m.paused
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tickMsg:
		if !m.paused {
			m.refresh()
		}
		return m, m.tick()

	case eventMsg:
		line := fmt.Sprintf("%s %s %s", msg.Time.Format("15:04:05"), msg.Plugin, msg.Kind)
		if msg.Err != nil {
			line += ": " + msg.Err.Error()
		}
		m.push(line)
		m.refresh()
		return m, waitEvent(m.opts.Events)

	case logMsg:
		m.push(msg...)
		return m, waitLogs(m.opts.Logs)
	}
	return m, nil
}

func (m *Status) refresh() {
	m.infos = m.list.List()
	m.last = m.opts.Now()
}

func (m *Status) push(lines ...string) {
	m.feed = append(m.feed, lines...)
	if over := len(m.feed) - maxFeed; over > 0 {
		m.feed = append([]string(nil), m.feed[over:]...)
	}
}

// View implements tea.Model.
func (m Status) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Render("pluginhost")
	status := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("LIVE")
	if m.paused {
		status = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("PAUSED")
	}

	counts := make(map[plugin.State]int)
	for _, info := range m.infos {
		counts[info.State]++
	}
	header := lipgloss.JoinHorizontal(lipgloss.Left,
		title, "  ",
		fmt.Sprintf("plugins: %d | enabled: %d | faulted: %d | updated %s",
			len(m.infos), counts[plugin.StateEnabled], counts[plugin.StateFaulted], m.last.Format("15:04:05")),
		"  ", status,
	)

	body := Table(m.infos)
	if len(m.infos) == 0 {
		body = inactiveStyle.Render("no plugins registered")
	}

	feed := m.feed
	if n := m.feedRows(); len(feed) > n {
		feed = feed[len(feed)-n:]
	}
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	footer := muted.Render("[space] pause  [r] refresh  [q] quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header, "", body, "",
		muted.Render(strings.Join(feed, "\n")),
		footer,
	)
}

// feedRows is how many feed lines fit below the table.
func (m Status) feedRows() int {
	if m.height == 0 {
		return 10
	}
	return max(m.height-len(m.infos)-6, 1)
}
