// Package audit posts operator notices for lifecycle and ledger events.
//
// When MATRIX_ALERT_ROOM is configured, Hangar posts one line per event to
// that room. Every notice carries the trace ID of the request or sweep that
// produced it.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindRuntimeProvisioned Kind = "runtime.provisioned"
	KindRuntimeStopped     Kind = "runtime.stopped"
	KindRuntimeExtended    Kind = "runtime.extended"
	KindRuntimeExpired     Kind = "runtime.expired"
	KindRuntimeFailed      Kind = "runtime.failed"
	KindRuntimeHealed      Kind = "runtime.healed"
	KindOrphanRemoved      Kind = "orphan.removed"
	KindLedgerIntegrity    Kind = "ledger.integrity"
	KindError              Kind = "error"
)

// Event is one notice.
type Event struct {
	Kind Kind
	// UserID owns the runtime, when there is one.
	UserID string
	// Target is the runtime or backend resource affected.
	Target  string
	Message string
	// TraceID defaults to the trace in the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier sends operator notices. Implementations never block the caller
// for long and never return send failures.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client MatrixNotifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	timeout time.Duration
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID, timeout: 5 * time.Second}
}

// Notify formats evt and posts it. Errors are logged at WARN level.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := Format(ctx, evt)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.sender.SendNotice(sendCtx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a short plain-text notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s: %s", icon, evt.Kind, evt.Target, evt.Message)
	}
	if evt.UserID != "" {
		msg += "\n  user: " + evt.UserID
	}
	if tid != "" {
		msg += "\n  trace: " + tid
	}
	return msg
}

// Log is a Notifier that only writes the event to the structured log.
type Log struct{}

// Notify logs evt.
func (Log) Notify(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	switch evt.Kind {
	case KindRuntimeFailed, KindLedgerIntegrity, KindError:
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "audit event",
		"kind", evt.Kind, "target", evt.Target, "user", evt.UserID,
		"message", evt.Message, "trace", trace.FromContext(ctx))
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify forwards evt to every notifier.
func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// Noop discards events.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindRuntimeProvisioned:
		return "🟢"
	case KindRuntimeStopped:
		return "⏹️"
	case KindRuntimeExtended:
		return "⏩"
	case KindRuntimeExpired:
		return "⌛"
	case KindRuntimeHealed:
		return "🔄"
	case KindOrphanRemoved:
		return "🗑️"
	case KindRuntimeFailed, KindError:
		return "🔴"
	case KindLedgerIntegrity:
		return "🚨"
	default:
		return "ℹ️"
	}
}
