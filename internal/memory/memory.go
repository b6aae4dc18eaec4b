// Package memory keeps an append-only notes file per project: decisions,
// gotchas and context worth carrying between sessions. Entries are only
// ever appended and read back as plain text.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind tags an entry so readers can scan for what they need.
type Kind string

const (
	KindDecision Kind = "decision"
	KindGotcha   Kind = "gotcha"
	KindNote     Kind = "note"
)

// Memory is the append-only notes file for one project.
type Memory struct {
	mu   sync.Mutex
	path string
}

func Open(dir string) (*Memory, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}
	return &Memory{path: filepath.Join(dir, "MEMORY.md")}, nil
}

// Path returns the location of the notes file.
func (m *Memory) Path() string { return m.path }

// Append adds one entry. Each entry is a markdown bullet with a timestamp
// and kind tag.
func (m *Memory) Append(kind Kind, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty memory entry")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if _, err := fmt.Fprintf(f, "# Project Memory\n\n"); err != nil {
			return err
		}
	}

	line := fmt.Sprintf("- [%s] **%s**: %s\n", time.Now().Format("2006-01-02 15:04"), kind, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return f.Sync()
}

// Read returns the whole notes file, or empty when none exists yet.
func (m *Memory) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
