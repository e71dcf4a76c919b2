package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Columns of the status table.
var Columns = []string{"current", "hostname", "status", "client_log", "init_log"}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusColor = map[Status]lipgloss.Color{
		StatusRunning:      lipgloss.Color("12"),
		StatusSuccess:      lipgloss.Color("10"),
		StatusFailed:       lipgloss.Color("9"),
		StatusUnreachable:  lipgloss.Color("11"),
		StatusUnauthorized: lipgloss.Color("13"),
	}
)

// RenderTable formats rows with one line per host.
func RenderTable(rows []Row) string {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.Timestamp.Format(time.DateTime),
			r.Hostname,
			string(r.Status),
			r.ClientLogURL,
			r.InitLogURL,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(Columns...).
		Rows(records...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(rows) {
				if c, ok := statusColor[rows[row].Status]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		}).
		String()
}

// RenderTails prints the fetched log tails below the table.
func RenderTails(rows []Row) string {
	var b strings.Builder
	for _, r := range rows {
		for _, l := range []struct{ name, body string }{{"client.log", r.ClientLogTail}, {"init.log", r.InitLogTail}} {
			if strings.TrimSpace(l.body) == "" {
				continue
			}
			fmt.Fprintf(&b, "==> %s %s <==\n%s", r.Hostname, l.name, l.body)
			if !strings.HasSuffix(l.body, "\n") {
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}
