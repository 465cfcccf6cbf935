package notifier

import (
	"sync"

	"go.uber.org/zap"
)

// Level is the severity of a user-visible notification
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier produces user-visible notifications (toasts in the site, stderr lines in the CLI)
type Notifier struct {
	sender Sender
	log    *zap.SugaredLogger
}

// Sender defines the interface for delivering a notification
type Sender interface {
	Send(level Level, message string) error
}

// New creates a new notifier with the given sender
func New(sender Sender, log *zap.SugaredLogger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

// Error shows a failure message. Delivery problems are logged, never returned.
func (n *Notifier) Error(message string) {
	n.send(LevelError, message)
}

// Info shows an informational message.
func (n *Notifier) Info(message string) {
	n.send(LevelInfo, message)
}

func (n *Notifier) send(level Level, message string) {
	if err := n.sender.Send(level, message); err != nil {
		n.log.Warnw("failed to deliver notification", "level", level, "message", message, "err", err)
	}
}

// Message is a notification captured by Recorder
type Message struct {
	Level   Level
	Message string
}

// Recorder is a Sender that keeps every message, for tests and headless runs.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(level Level, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Level: level, Message: message})
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Errors returns only error-level messages.
func (r *Recorder) Errors() []string {
	var out []string
	for _, m := range r.Messages() {
		if m.Level == LevelError {
			out = append(out, m.Message)
		}
	}
	return out
}
