package intelligence

import (
	"sync"
	"time"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// OutcomeRecord is one completed task's footprint, kept for clustering and
// router feedback.
type OutcomeRecord struct {
	TaskID          string              `json:"task_id"`
	Content         string              `json:"content"`
	Diagnostics     *models.Diagnostics `json:"diagnostics,omitempty"`
	PredictedEffort models.Effort       `json:"predicted_effort"`
	Duration        time.Duration       `json:"actual_duration"`
	Success         bool                `json:"success"`
	ClusterID       int                 `json:"cluster_id"`
	Agent           string              `json:"agent"`
	Timestamp       time.Time           `json:"timestamp"`
}

// OutcomeLog is a bounded append-only ring of outcome records. Appends take
// a short critical section; analysis reads take a snapshot copy.
type OutcomeLog struct {
	mu    sync.Mutex
	buf   []OutcomeRecord
	limit int
	total int
}

func NewOutcomeLog(limit int) *OutcomeLog {
	if limit <= 0 {
		limit = 1000
	}
	return &OutcomeLog{limit: limit}
}

func (l *OutcomeLog) Append(rec OutcomeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, rec)
	if len(l.buf) > l.limit {
		l.buf = l.buf[len(l.buf)-l.limit:]
	}
	l.total++
}

// Snapshot copies the retained records.
func (l *OutcomeLog) Snapshot() []OutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OutcomeRecord, len(l.buf))
	copy(out, l.buf)
	return out
}

// Len is the retained record count; Total counts every append ever made.
func (l *OutcomeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *OutcomeLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
