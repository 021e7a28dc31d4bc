package transcript

import (
	"context"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// LogAuditSink writes confirmation outcomes to a zerolog logger.
type LogAuditSink struct {
	Logger zerolog.Logger
}

func (s LogAuditSink) RecordAudit(_ context.Context, entry contractx.AuditEntry) error {
	ev := s.Logger.Info()
	if entry.Outcome == contractx.AuditFailed {
		ev = s.Logger.Error()
	}
	ev.Str("session_id", entry.SessionID).
		Str("tool", entry.ToolName).
		Str("preview", entry.Preview).
		Str("outcome", string(entry.Outcome)).
		Str("error", entry.Error).
		Time("at", entry.CreatedAt).
		Msg("confirmation outcome")
	return nil
}

// AuditFanout records each entry in every sink, returning the first error.
type AuditFanout []contractx.AuditSink

func (f AuditFanout) RecordAudit(ctx context.Context, entry contractx.AuditEntry) error {
	var first error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.RecordAudit(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
