package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink is the append-only local fallback for audit events when the
// primary store is unavailable. One JSON line per event, one file per day,
// so no event is ever silently dropped.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Write appends the event as a JSON line to today's fallback file.
func (s *FileSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	name := fmt.Sprintf("audit-%s.log", event.Timestamp.UTC().Format(time.DateOnly))
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		f.Close()
		return fmt.Errorf("marshal fallback event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append fallback event: %w", err)
	}
	// This is the last line of defense for the event; a failed flush on
	// close must surface, not vanish.
	if err := f.Close(); err != nil {
		return fmt.Errorf("close fallback file: %w", err)
	}
	return nil
}
