// Package notify surfaces the reading status to the user with a stop control.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/readaloud/internal/protocol"
)

// Notifier is the persistent status indicator shown while a session speaks.
// stop is invoked when the user asks to stop from the indicator.
type Notifier interface {
	Show(sessionID, title, status string, stop func())
	Update(status string)
	Dismiss()
}

// indicator tracks what is currently displayed.
type indicator struct {
	mu      sync.Mutex
	session string
	title   string
	text    string
	visible bool
	stop    func()
}

func (i *indicator) show(sessionID, title, status string, stop func()) protocol.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.session, i.title, i.text, i.visible, i.stop = sessionID, title, status, true, stop
	return i.snapshotLocked()
}

func (i *indicator) update(status string) (protocol.Status, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.visible {
		return protocol.Status{}, false
	}
	i.text = status
	return i.snapshotLocked(), true
}

func (i *indicator) dismiss() (protocol.Status, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.visible {
		return protocol.Status{}, false
	}
	i.visible = false
	i.stop = nil
	st := i.snapshotLocked()
	i.session = ""
	return st, true
}

func (i *indicator) snapshot() protocol.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

func (i *indicator) snapshotLocked() protocol.Status {
	state := "idle"
	if i.visible {
		state = "speaking"
	}
	return protocol.Status{
		SessionID: i.session,
		State:     state,
		Title:     i.title,
		Text:      i.text,
		Visible:   i.visible,
		Timestamp: time.Now().UTC(),
	}
}

func (i *indicator) stopAction() func() {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stop
}

// LogNotifier writes indicator changes to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}
}

func (l *LogNotifier) Show(sessionID, title, status string, _ func()) {
	l.logger.Info("reading",
		slog.String("session_id", sessionID),
		slog.String("title", title),
		slog.String("status", status))
}

func (l *LogNotifier) Update(status string) {
	l.logger.Info("reading progress", slog.String("status", status))
}

func (l *LogNotifier) Dismiss() {
	l.logger.Info("reading finished")
}

// Multi fans every call out to all notifiers in order.
type Multi []Notifier

func (m Multi) Show(sessionID, title, status string, stop func()) {
	for _, n := range m {
		n.Show(sessionID, title, status, stop)
	}
}

func (m Multi) Update(status string) {
	for _, n := range m {
		n.Update(status)
	}
}

func (m Multi) Dismiss() {
	for _, n := range m {
		n.Dismiss()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Show(string, string, string, func()) {}
func (Nop) Update(string)                       {}
func (Nop) Dismiss()                            {}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
