package contract

import "context"

// TranscriptStore persists the ordered turns of a session for replay.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
	Load(ctx context.Context, sessionID string) ([]Turn, error)
}

type AuditSink interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}
