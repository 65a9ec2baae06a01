// Package infoservice keeps the latest object list announced by every task
// and serves it over HTTP.
package infoservice

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/qcflow/internal/objects"
	"github.com/ashita-ai/qcflow/internal/transport"
)

// TaskObjects is the last announcement received from one task.
type TaskObjects struct {
	Task      string    `json:"task"`
	Objects   []string  `json:"objects"`
	UpdatedAt time.Time `json:"updated_at"`
	Updates   int       `json:"updates"`
}

// Index maps task names to their announced objects.
type Index struct {
	mu       sync.RWMutex
	tasks    map[string]*TaskObjects
	rejected int
	logger   *slog.Logger
	now      func() time.Time
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{tasks: make(map[string]*TaskObjects), logger: logger, now: time.Now}
}

// Apply records one announcement body. Malformed bodies are counted and
// dropped.
func (x *Index) Apply(body string) error {
	task, names, err := objects.ParseAnnouncement(body)
	if err != nil {
		x.mu.Lock()
		x.rejected++
		x.mu.Unlock()
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	t, ok := x.tasks[task]
	if !ok {
		t = &TaskObjects{Task: task}
		x.tasks[task] = t
	}
	t.Objects = names
	t.UpdatedAt = x.now().UTC()
	t.Updates++
	return nil
}

// Consume subscribes to the information-service channel of recv and applies
// every announcement until the returned cancel function is called.
func (x *Index) Consume(recv transport.Receiver) (cancel func() error, err error) {
	return recv.Subscribe(transport.ChannelInfoOut, func(msg transport.Message) {
		if err := x.Apply(string(msg.Body)); err != nil {
			x.logger.Warn("infoservice: dropping announcement", "error", err, "size", len(msg.Body))
		}
	})
}

// Task returns a copy of the entry for name.
func (x *Index) Task(name string) (TaskObjects, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.tasks[name]
	if !ok {
		return TaskObjects{}, false
	}
	c := *t
	c.Objects = slices.Clone(t.Objects)
	return c, true
}

// Tasks returns every entry ordered by task name.
func (x *Index) Tasks() []TaskObjects {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]TaskObjects, 0, len(x.tasks))
	for _, t := range x.tasks {
		c := *t
		c.Objects = slices.Clone(t.Objects)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b TaskObjects) int {
		switch {
		case a.Task < b.Task:
			return -1
		case a.Task > b.Task:
			return 1
		}
		return 0
	})
	return out
}

// Rejected returns the number of malformed announcements seen.
func (x *Index) Rejected() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.rejected
}
