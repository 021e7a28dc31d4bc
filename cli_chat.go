package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	orchestrator "github.com/tanpawarit/chative-toolagent/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

func chatCmd() *cobra.Command {
	var (
		sessionID string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Starts a REPL against the configured model. Write actions are shown
as a preview and only run after you answer yes.

Commands: /reset starts a new session, /usage prints token usage, /quit exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, sessionID, stream)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a stored session by id")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream replies as they are generated")
	return cmd
}

func runChat(cmd *cobra.Command, sessionID string, stream bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, sessionID)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if sessionID != "" {
		n, err := a.agent.Restore(ctx)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("transcript restore failed")
		} else {
			fmt.Fprintf(out, "restored %d turns\n", n)
		}
	}
	fmt.Fprintf(out, "session %s (model %s)\n", a.agent.SessionID(), a.model)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			a.agent.Reset()
			fmt.Fprintf(out, "new session %s\n", a.agent.SessionID())
			continue
		case "/usage":
			printUsage(out, a.agent.Usage())
			continue
		}

		if stream {
			err = streamTurn(ctx, out, a.agent, line)
		} else {
			var reply string
			reply, err = a.agent.Respond(ctx, line)
			if err == nil {
				fmt.Fprintln(out, reply)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		if preview, ok := a.agent.PendingPreview(); ok {
			fmt.Fprintf(out, "[awaiting confirmation] %s (yes/no)\n", preview)
		}
		if warning := a.agent.ContextWarning(); warning != "" {
			fmt.Fprintf(out, "[context] %s\n", warning)
		}
	}
	return scanner.Err()
}

func streamTurn(ctx context.Context, out io.Writer, agent *orchestrator.Agent, line string) error {
	sr, err := agent.RespondStream(ctx, line)
	if err != nil {
		return err
	}
	defer sr.Close()

	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch chunk.Type {
		case contractx.ChunkText:
			fmt.Fprint(out, chunk.Delta)
		case contractx.ChunkToolCall:
			fmt.Fprintf(out, "[calling %s]\n", chunk.Name)
		case contractx.ChunkToolResult:
			status := "ok"
			if chunk.Result != nil && !chunk.Result.Success {
				status = "failed: " + chunk.Result.Error
			}
			fmt.Fprintf(out, "[%s %s]\n", chunk.Name, status)
		case contractx.ChunkDone:
			fmt.Fprintln(out)
		}
	}
}

func printUsage(out io.Writer, u contractx.UsageCounters) {
	fmt.Fprintf(out, "requests %s, tokens %s (in %s / out %s), cost $%.4f\n",
		humanize.Comma(u.RequestCount),
		humanize.Comma(u.TotalTokens),
		humanize.Comma(u.InputTokens),
		humanize.Comma(u.OutputTokens),
		u.TotalCost,
	)
}
