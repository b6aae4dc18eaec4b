// Package approval implements a file-protocol approval channel. Requests
// that need a human decision are written as YAML files into an inbox
// directory; a human (or another tool) answers by writing a matching
// answer file, which a filesystem watcher picks up.
package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/overseer-dev/overseer/internal/yaml"
)

// ErrNoAnswer is returned by Poll when no answer file exists yet.
var ErrNoAnswer = errors.New("no answer yet")

// Request is one pending approval written to the inbox.
type Request struct {
	ID        string `yaml:"id"`
	TaskID    string `yaml:"task_id"`
	Action    string `yaml:"action"`
	Details   string `yaml:"details,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

// Answer is the decision file a human writes next to the request.
type Answer struct {
	ID       string `yaml:"id"`
	Approved bool   `yaml:"approved"`
	Comment  string `yaml:"comment,omitempty"`
}

// Inbox is an approval drop directory.
type Inbox struct {
	dir string
}

func NewInbox(dir string) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create approval inbox: %w", err)
	}
	return &Inbox{dir: dir}, nil
}

func (i *Inbox) requestPath(id string) string {
	return filepath.Join(i.dir, id+".request.yaml")
}

func (i *Inbox) answerPath(id string) string {
	return filepath.Join(i.dir, id+".answer.yaml")
}

// Submit writes a request into the inbox.
func (i *Inbox) Submit(req Request) error {
	if req.ID == "" {
		return errors.New("approval request needs an id")
	}
	if req.CreatedAt == "" {
		req.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return yaml.AtomicWrite(i.requestPath(req.ID), req)
}

// Poll checks for an answer without blocking.
func (i *Inbox) Poll(id string) (*Answer, error) {
	var answer Answer
	err := yaml.Read(i.answerPath(id), &answer)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoAnswer
	}
	if err != nil {
		return nil, err
	}
	return &answer, nil
}

// Await blocks until an answer file for the request appears or the
// context ends. The answered request and answer files are removed once
// the decision is read.
func (i *Inbox) Await(ctx context.Context, id string) (*Answer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	// The answer may predate the watch.
	if answer, err := i.Poll(id); err == nil {
		i.cleanup(id)
		return answer, nil
	}

	want := i.answerPath(id)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			if event.Name != want {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			answer, err := i.Poll(id)
			if errors.Is(err, ErrNoAnswer) {
				continue
			}
			if err != nil {
				return nil, err
			}
			i.cleanup(id)
			return answer, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			return nil, fmt.Errorf("watch inbox: %w", err)
		}
	}
}

// Answer writes a decision for a request. It is how tooling (and tests)
// play the human side of the protocol.
func (i *Inbox) Answer(answer Answer) error {
	if answer.ID == "" {
		return errors.New("approval answer needs an id")
	}
	return yaml.AtomicWrite(i.answerPath(answer.ID), answer)
}

// Pending lists requests that have no answer yet.
func (i *Inbox) Pending() ([]Request, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, err
	}

	var out []Request
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".request.yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".request.yaml")
		if _, err := os.Stat(i.answerPath(id)); err == nil {
			continue
		}
		var req Request
		if err := yaml.Read(filepath.Join(i.dir, name), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (i *Inbox) cleanup(id string) {
	_ = os.Remove(i.requestPath(id))
	_ = os.Remove(i.answerPath(id))
	_ = os.Remove(i.requestPath(id) + ".bak")
	_ = os.Remove(i.answerPath(id) + ".bak")
}
