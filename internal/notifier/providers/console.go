package providers

import (
	"fmt"
	"io"
	"sync"

	"github.com/emberlight/studiofeed/internal/notifier"
)

// ConsoleSender writes notifications as single lines
type ConsoleSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSender creates a sender writing to w
func NewConsoleSender(w io.Writer) *ConsoleSender {
	return &ConsoleSender{w: w}
}

// Send writes "[error] message" or "[info] message"
func (s *ConsoleSender) Send(level notifier.Level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "[%s] %s\n", level, message); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
