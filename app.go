package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	orchestrator "github.com/tanpawarit/chative-toolagent/agent/agents/orchestrator"
	budgetx "github.com/tanpawarit/chative-toolagent/agent/budget"
	llmx "github.com/tanpawarit/chative-toolagent/agent/llm"
	toolx "github.com/tanpawarit/chative-toolagent/agent/tool"
	"github.com/tanpawarit/chative-toolagent/agent/transcript"
	usagex "github.com/tanpawarit/chative-toolagent/agent/usage"
	configx "github.com/tanpawarit/chative-toolagent/pkg/config"
	qstashx "github.com/tanpawarit/chative-toolagent/pkg/qstash"
)

type app struct {
	agent *orchestrator.Agent
	store transcript.Store
	model string
}

func openStore(ctx context.Context) (transcript.Store, error) {
	storeCfg, err := configx.New[transcript.Config]("TRANSCRIPT")
	if err != nil {
		return nil, err
	}
	return transcript.Open(ctx, *storeCfg)
}

// newApp wires the agent from LLM_*, AGENT_*, TRANSCRIPT_* and, when a token
// is present, QSTASH_* variables.
func newApp(ctx context.Context, sessionID string) (*app, error) {
	llmCfg, err := configx.New[llmx.Config]("LLM")
	if err != nil {
		return nil, err
	}
	agentCfg, err := configx.New[orchestrator.Config]("AGENT")
	if err != nil {
		return nil, err
	}

	chatModel, err := llmCfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	deps := toolx.Deps{
		Clock:   time.Now,
		Logger:  &logger,
		Timeout: agentCfg.ToolTimeout,
	}
	if strings.TrimSpace(os.Getenv("QSTASH_TOKEN")) != "" {
		qstashCfg, err := configx.New[qstashx.Config]("QSTASH")
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		client, err := qstashx.NewClient(*qstashCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("qstash client: %w", err)
		}
		deps.Publisher = client
		deps.Destination = qstashCfg.Destination
	}

	registry, err := toolx.NewRegistry(deps)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	agent, err := orchestrator.New(chatModel, registry, *agentCfg,
		orchestrator.WithSessionID(sessionID),
		orchestrator.WithTranscriptStore(store),
		orchestrator.WithAuditSink(transcript.AuditFanout{store, transcript.LogAuditSink{Logger: logger}}),
		orchestrator.WithBudget(budgetx.NewTracker(llmCfg.ContextWindow, llmCfg.WarningThreshold)),
		orchestrator.WithMeter(usagex.ForModel(usagex.DefaultPriceTable(), llmCfg.Model)),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Info().
		Str("session_id", agent.SessionID()).
		Str("model", llmCfg.Model).
		Strs("tools", registry.Names()).
		Msg("agent ready")
	return &app{agent: agent, store: store, model: llmCfg.Model}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
