package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-relay/internal/services"
	"github.com/tbourn/go-chat-relay/internal/sessions"
)

type historyOptions struct {
	session string
	older   int
	asJSON  bool
}

func newHistoryCmd() *cobra.Command {
	var o historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a session's message history",
		Long: `history loads the newest page of a session's history and, with --older,
that many additional older pages. Messages are printed oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cleanup, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return runHistory(cmd.Context(), svc, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.session, "session", "s", "", "session id (required)")
	f.IntVar(&o.older, "older", 0, "number of older pages to load")
	f.BoolVar(&o.asJSON, "json", false, "print messages as JSON")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runHistory(ctx context.Context, svc *services.ConversationService, o historyOptions, out io.Writer) error {
	view, err := svc.Messages(ctx, o.session, true)
	if err != nil {
		return err
	}
	for i := 0; i < o.older && view.HasMore; i++ {
		v, added, err := svc.LoadOlder(ctx, o.session)
		if err != nil {
			return err
		}
		view = v
		if added == 0 {
			break
		}
	}

	if o.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	for _, m := range view.Messages {
		fmt.Fprintf(out, "[%d] %s %s: %s\n", m.ID, m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
	}
	if view.HasMore && view.NextCursor != nil {
		fmt.Fprintf(out, "-- older messages before id %d --\n", *view.NextCursor)
	}
	return nil
}

func newSessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cleanup, err := buildService(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			list, err := svc.SessionList(cmd.Context(), true)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func printSessions(out io.Writer, list []sessions.Session, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTITLE\tUPDATED")
	for _, s := range list {
		title := s.Title
		if s.Derived {
			title += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, strings.TrimSpace(title), s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
