package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"portico/internal/client"
)

var clientColumns = []string{"CLIENT", "APPLICATION", "ORIGIN", "VERSION", "CONNECTED", "STATE"}

// RenderClients renders the clients as a table
func RenderClients(clients []client.Info, now time.Time) string {
	if len(clients) == 0 {
		return helpStyle.Render("No clients connected") + "\n"
	}

	rows := make([][]string, 0, len(clients))
	for _, c := range clients {
		version := c.Version
		if version == "" {
			version = "-"
		}
		rows = append(rows, []string{
			c.ID,
			c.AppSymbolicName,
			c.Origin,
			version,
			formatAge(now.Sub(c.ConnectedAt)),
			clientState(c),
		})
	}

	widths := make([]int, len(clientColumns))
	for i, h := range clientColumns {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	header := make([]string, len(clientColumns))
	for i, h := range clientColumns {
		header[i] = headerStyle.Width(widths[i] + 2).Render(h)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, header...))
	b.WriteString("\n")

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle
			if i == len(row)-1 {
				style = stateStyle(cell)
			}
			cells[i] = style.Width(widths[i] + 2).Render(cell)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(fmt.Sprintf("%d client(s)", len(clients))))
	b.WriteString("\n")
	return b.String()
}

func clientState(c client.Info) string {
	switch {
	case c.Stale:
		return "stale"
	case c.Host:
		return "host"
	case c.Legacy:
		return "legacy"
	default:
		return "active"
	}
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "stale":
		return errorStyle.Padding(0, 1)
	case "legacy":
		return warnStyle.Padding(0, 1)
	default:
		return successStyle.Padding(0, 1)
	}
}

// formatAge formats a duration with a single unit
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
