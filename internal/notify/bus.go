package notify

import (
	"log/slog"

	"github.com/loqalabs/readaloud/internal/protocol"
)

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusNotifier publishes indicator changes as protocol.Status messages.
type BusNotifier struct {
	pub     Publisher
	subject string
	state   indicator
	logger  *slog.Logger
}

func NewBusNotifier(pub Publisher, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{
		pub:     pub,
		subject: protocol.SubjectStatus,
		logger:  logger.With(slog.String("component", "notify-bus")),
	}
}

func (b *BusNotifier) Show(sessionID, title, status string, stop func()) {
	b.publish(b.state.show(sessionID, title, status, stop))
}

func (b *BusNotifier) Update(status string) {
	if st, ok := b.state.update(status); ok {
		b.publish(st)
	}
}

func (b *BusNotifier) Dismiss() {
	if st, ok := b.state.dismiss(); ok {
		b.publish(st)
	}
}

func (b *BusNotifier) publish(st protocol.Status) {
	if err := b.pub.PublishJSON(b.subject, st); err != nil {
		b.logger.Warn("failed to publish status", slogError(err))
	}
}
