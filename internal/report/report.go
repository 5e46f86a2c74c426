// Package report renders the per-partition summary shown at the end of a
// run.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/larsks/hvpatch/internal/orchestrator"
)

type styles struct {
	device lipgloss.Style
	status map[orchestrator.Status]lipgloss.Style
	detail lipgloss.Style
	fatal  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer, width int) styles {
	status := r.NewStyle().Width(16)
	return styles{
		device: r.NewStyle().Width(width + 2).Bold(true),
		status: map[orchestrator.Status]lipgloss.Style{
			orchestrator.StatusPatched:        status.Foreground(lipgloss.Color("2")),
			orchestrator.StatusAlreadyPatched: status.Foreground(lipgloss.Color("6")),
			orchestrator.StatusMounted:        status.Foreground(lipgloss.Color("6")),
			orchestrator.StatusSkipped:        status.Foreground(lipgloss.Color("3")),
			orchestrator.StatusFailed:         status.Foreground(lipgloss.Color("1")),
		},
		detail: r.NewStyle().Faint(true),
		fatal:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Render writes a summary of rep to w. Colour is used only when w is a
// terminal.
func Render(w io.Writer, rep orchestrator.Report) error {
	var b strings.Builder

	width := 0
	for _, res := range rep.Results {
		width = max(width, len(label(res)))
	}
	st := newStyles(lipgloss.NewRenderer(w), width)

	if rep.DiscoveryErr != nil {
		fmt.Fprintf(&b, "%s\n", st.fatal.Render("discovery failed: "+rep.DiscoveryErr.Error()))
	}
	for _, res := range rep.Results {
		b.WriteString(st.device.Render(label(res)))
		b.WriteString(st.status[res.Status].Render(res.Status.String()))
		b.WriteString(st.detail.Render(detail(res)))
		b.WriteString("\n")
		if res.Fatal() {
			fmt.Fprintf(&b, "  %s\n", st.fatal.Render("manual intervention required: "+res.Err.Error()))
		}
	}

	fmt.Fprintf(&b, "%d patched, %d already patched, %d skipped, %d failed",
		rep.Count(orchestrator.StatusPatched),
		rep.Count(orchestrator.StatusAlreadyPatched),
		rep.Count(orchestrator.StatusSkipped),
		rep.Count(orchestrator.StatusFailed))
	if n := rep.Count(orchestrator.StatusMounted); n > 0 {
		fmt.Fprintf(&b, ", %d mounted", n)
	}
	b.WriteString("\n")
	if rep.Aborted {
		b.WriteString("stopped by operator; remaining partitions were not processed\n")
	}
	if rep.Interrupted {
		b.WriteString("interrupted; remaining partitions were not processed\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func label(res orchestrator.Result) string {
	if res.Device != "" {
		return res.Device
	}
	return res.Config
}

func detail(res orchestrator.Result) string {
	var parts []string
	if res.Status == orchestrator.StatusMounted {
		parts = append(parts, res.Mountpoint)
	}
	if res.Config != "" && res.Config != label(res) {
		parts = append(parts, res.Config)
	}
	if res.Reason != orchestrator.ReasonNone {
		parts = append(parts, string(res.Reason))
	}
	if res.Err != nil && !res.Fatal() {
		parts = append(parts, res.Err.Error())
	}
	if res.Backup != "" {
		parts = append(parts, "backup "+res.Backup)
	}
	if res.Recovered {
		parts = append(parts, "recovered an interrupted patch")
	}
	if res.UnmountErr != nil {
		parts = append(parts, "warning: "+res.UnmountErr.Error())
	}
	return strings.Join(parts, "  ")
}
