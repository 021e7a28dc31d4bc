package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	"github.com/tanpawarit/chative-toolagent/agent/transcript"
)

func transcriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the turns and confirmation audit of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			return showTranscript(cmd.Context(), cmd.OutOrStdout(), store, args[0])
		},
	})
	return cmd
}

func showTranscript(ctx context.Context, out io.Writer, store transcript.Store, sessionID string) error {
	turns, err := store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintf(out, "no turns stored for %s\n", sessionID)
	}
	for _, turn := range turns {
		switch turn.Role {
		case contractx.RoleTool:
			fmt.Fprintf(out, "%-9s %s <- %s\n", turn.Role, turn.ToolName, turn.Content)
		default:
			if turn.Content != "" {
				fmt.Fprintf(out, "%-9s %s\n", turn.Role, turn.Content)
			}
			for _, c := range turn.ToolCalls {
				fmt.Fprintf(out, "%-9s -> %s(%s)\n", turn.Role, c.Name, c.Arguments)
			}
		}
	}

	entries, err := store.AuditLog(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Fprintln(out, "\naudit:")
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s %-9s %s", humanize.Time(e.CreatedAt), e.Outcome, e.Preview)
		if e.Error != "" {
			line += " (" + e.Error + ")"
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create transcript tables for the sql drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			migrator, ok := store.(interface {
				CreateTables(ctx context.Context) error
			})
			if !ok {
				log.Info().Msg("transcript driver needs no migration")
				return nil
			}
			if err := migrator.CreateTables(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("transcript tables ready")
			return nil
		},
	}
}
