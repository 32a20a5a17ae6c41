package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"signalbot/internal/model"
)

// queuedSignal is one entry of the failed-send queue.
type queuedSignal struct {
	Signal     *model.Signal `json:"signal"`
	FailedAt   time.Time     `json:"failed_at"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error"`
}

// failedQueue persists signals whose delivery failed, so they can be
// retried on later cycles. The file is a JSON array replaced atomically
// on every mutation; a corrupt file is backed up and reset.
type failedQueue struct {
	path string
	max  int
}

func newFailedQueue(path string, max int) *failedQueue {
	return &failedQueue{path: path, max: max}
}

func (q *failedQueue) load() []queuedSignal {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		log.Printf("[notify] failed queue unreadable: %v", err)
		return nil
	}
	var items []queuedSignal
	if err := json.Unmarshal(data, &items); err != nil {
		backup := q.path + ".corrupt"
		if renameErr := os.Rename(q.path, backup); renameErr == nil {
			log.Printf("[notify] failed queue corrupt, preserved as %s and reset: %v", backup, err)
		} else {
			log.Printf("[notify] failed queue corrupt and could not be preserved: %v", renameErr)
		}
		return nil
	}
	return items
}

func (q *failedQueue) persist(items []queuedSignal) error {
	if items == nil {
		items = []queuedSignal{}
	}
	if len(items) > q.max {
		items = items[len(items)-q.max:]
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: encode failed queue: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("notify: create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("notify: write temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("notify: close temp queue file: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("notify: replace queue file: %w", err)
	}
	return nil
}

func (q *failedQueue) append(item queuedSignal) error {
	return q.persist(append(q.load(), item))
}

func (q *failedQueue) size() int {
	return len(q.load())
}
