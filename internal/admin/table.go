package admin

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dshills/pluginhost/internal/plugin"
)

// Columns of the plugin table.
var Columns = []string{"NAME", "VERSION", "STATE", "ENABLED-SINCE", "DEPS"}

// TimeFormat formats enable times in the table.
const TimeFormat = "2006-01-02 15:04:05"

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	faultedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	inactiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// columnGap separates table columns.
const columnGap = 2

// Row returns the table cells for one plugin.
func Row(info plugin.Info) []string {
	since := "-"
	if info.State == plugin.StateEnabled && !info.EnableTime.IsZero() {
		since = info.EnableTime.Local().Format(TimeFormat)
	}
	deps := "-"
	if len(info.Dependencies) > 0 {
		deps = strings.Join(info.Dependencies, ",")
	}
	return []string{info.Name, info.Version, info.State.String(), since, deps}
}

func stateStyle(s plugin.State) lipgloss.Style {
	switch s {
	case plugin.StateEnabled:
		return enabledStyle
	case plugin.StateFaulted:
		return faultedStyle
	default:
		return inactiveStyle
	}
}

// Table renders infos as an aligned table with a header row.
func Table(infos []plugin.Info) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, Row(info))
	}

	widths := make([]int, len(Columns))
	for i, c := range Columns {
		widths[i] = lipgloss.Width(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	render := func(cells []string, style func(col int) lipgloss.Style) string {
		out := make([]string, len(cells))
		for i, cell := range cells {
			s := lipgloss.NewStyle().Width(widths[i] + columnGap)
			if i == len(cells)-1 {
				s = lipgloss.NewStyle()
			}
			out[i] = s.Render(style(i).Render(cell))
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, out...), " ")
	}

	lines := []string{render(Columns, func(int) lipgloss.Style { return headerStyle })}
	for i, row := range rows {
		state := infos[i].State
		lines = append(lines, render(row, func(col int) lipgloss.Style {
			if col == 2 {
				return stateStyle(state)
			}
			return lipgloss.NewStyle()
		}))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Since formats how long a plugin has been enabled.
func Since(info plugin.Info, now time.Time) string {
	if info.State != plugin.StateEnabled || info.EnableTime.IsZero() {
		return "-"
	}
	return now.Sub(info.EnableTime).Round(time.Second).String()
}
