package authgate

import (
	"context"
	"io"
	"time"

	"github.com/kovelo/authgate/internal/audit"
)

// Audit types are aliased from the internal pipeline so callers can supply
// sinks without reaching into internal packages.
type (
	// AuditEvent is the canonical record emitted for every auth decision.
	AuditEvent = audit.Event
	// AuditSink receives emitted audit events.
	AuditSink = audit.Sink
	// AuditSeverity ranks audit events.
	AuditSeverity = audit.Severity
)

// Audit severities, escalating from routine decisions to compromise signals.
const (
	AuditInfo     = audit.SeverityInfo
	AuditWarning  = audit.SeverityWarning
	AuditCritical = audit.SeverityCritical
)

// NewJSONAuditSink returns a sink writing one JSON event per line.
func NewJSONAuditSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewChannelAuditSink returns a sink delivering events over a channel,
// useful in tests and for custom fan-out.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// emitAudit builds the canonical event from context carriers and hands it to
// the async dispatcher. A nil dispatcher drops the event.
func (e *Engine) emitAudit(ctx context.Context, eventType string, severity AuditSeverity, success bool, fill func(*AuditEvent)) {
	if e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Severity:  severity,
		Success:   success,
		RequestID: requestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}
	if fill != nil {
		fill(&event)
	}
	e.audit.Emit(ctx, event)
}
