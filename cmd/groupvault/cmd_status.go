package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"groupvault/internal/app"
	"groupvault/internal/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	labelStyle = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("#2196F3"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// statusCmd prints the lock owner and archive statistics.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session lock owner and archive statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := app.ReadStats(context.Background(), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(stats, time.Now()))
		return nil
	},
}

func renderStatus(stats app.Stats, now time.Time) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("groupvault"))
	b.WriteString("\n\n")

	switch {
	case stats.Lock == nil:
		row("Lock", warnStyle.Render("free"))
	case stats.LockFresh:
		row("Lock", okStyle.Render("held by "+stats.Lock.Identity()))
	default:
		row("Lock", warnStyle.Render("stale, last held by "+stats.Lock.Identity()))
	}
	if stats.Lock != nil {
		row("Refreshed", humanize.RelTime(stats.Lock.AcquiredAt, now, "ago", "from now"))
		row("Since", humanize.Time(stats.Lock.CreatedAt))
	}

	row("Groups", humanize.Comma(int64(stats.Store.Groups)))
	row("Messages", humanize.Comma(int64(stats.Store.Messages)))
	if !stats.Store.Newest.IsZero() {
		row("Newest", humanize.RelTime(stats.Store.Newest, now, "ago", "from now"))
		row("Oldest", humanize.RelTime(stats.Store.Oldest, now, "ago", "from now"))
	}
	if len(stats.Store.ByKind) > 0 {
		kinds := make([]string, 0, len(stats.Store.ByKind))
		for k := range stats.Store.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s %s", k, humanize.Comma(int64(stats.Store.ByKind[types.AttachmentKind(k)]))))
		}
		row("Attachments", strings.Join(parts, ", "))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
