package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"groupvault/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	queryGroup  string
	queryLimit  int
	queryOffset int
)

// groupsCmd lists archived groups.
var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List archived groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		groups, err := st.QueryGroups(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tLAST SEEN")
		for _, g := range groups {
			seen := "-"
			if !g.LastSeen.IsZero() {
				seen = humanize.Time(g.LastSeen)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.Name, g.MemberCount, seen)
		}
		return w.Flush()
	},
}

// messagesCmd pages through archived messages, newest first.
var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List archived messages, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		msgs, err := st.QueryMessages(context.Background(), queryGroup, queryLimit, queryOffset)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tGROUP\tSENDER\tKIND\tTEXT")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.Timestamp.Local().Format(time.DateTime), m.GroupName, m.SenderName, orDash(string(m.Kind)), truncate(m.Text, 60))
		}
		return w.Flush()
	},
}

func init() {
	messagesCmd.Flags().StringVarP(&queryGroup, "group", "g", "", "Only messages from this group id")
	messagesCmd.Flags().IntVarP(&queryLimit, "limit", "n", store.DefaultLimit, "Maximum number of messages")
	messagesCmd.Flags().IntVar(&queryOffset, "offset", 0, "Skip this many messages")
}

func openStore() (*store.Store, error) {
	if _, err := os.Stat(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("no archive at %s: %w", cfg.Storage.DatabasePath, err)
	}
	return store.Open(cfg.Storage.Driver, cfg.Storage.DatabasePath)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
