package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// HistoryEntry is one observed step in a task's debate.
type HistoryEntry struct {
	Sender    string
	Event     models.Event
	Digest    string
	Timestamp time.Time
}

// TaskState is the orchestrator's record of one in-flight task. The state
// map is written only by the dispatch worker owning the task's partition;
// sweeps and status reads copy under the engine lock.
type TaskState struct {
	Status            models.Event
	OriginalRequester string
	Worker            string
	CurrentStep       string
	Round             int
	History           []HistoryEntry
	LastConfidences   []float64
	SimilarityHits    int
	CreatedAt         time.Time

	Content     string
	Diagnostics *models.Diagnostics
	Effort      models.Effort

	// lastDigest tracks each sender's previous proposal digest for loop
	// detection.
	lastDigest map[string]string
	// contributors in order of first contribution.
	contributors []string
	contributed  map[string]bool
}

func newTaskState(task *models.Task) *TaskState {
	return &TaskState{
		Status:            models.EventPlan,
		OriginalRequester: task.Agent,
		Round:             1,
		CreatedAt:         time.Now().UTC(),
		Content:           task.Content,
		Diagnostics:       task.Diagnostics,
		Effort:            task.ReasoningEffort,
		lastDigest:        make(map[string]string),
		contributed:       make(map[string]bool),
	}
}

// observe appends a history entry (bounded) and tracks the contributor.
func (s *TaskState) observe(sender string, event models.Event, digest string, limit int) {
	s.History = append(s.History, HistoryEntry{
		Sender:    sender,
		Event:     event,
		Digest:    digest,
		Timestamp: time.Now().UTC(),
	})
	if limit > 0 && len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
	if !s.contributed[sender] {
		s.contributed[sender] = true
		s.contributors = append(s.contributors, sender)
	}
}

// noteDigest updates loop tracking for sender and reports whether this
// proposal repeats the sender's previous one.
func (s *TaskState) noteDigest(sender, digest string) bool {
	prev := s.lastDigest[sender]
	s.lastDigest[sender] = digest
	if prev != "" && prev == digest {
		s.SimilarityHits++
		return true
	}
	return false
}

// pushConfidence keeps the last window confidences.
func (s *TaskState) pushConfidence(c float64, window int) {
	s.LastConfidences = append(s.LastConfidences, c)
	if window > 0 && len(s.LastConfidences) > window {
		s.LastConfidences = s.LastConfidences[len(s.LastConfidences)-window:]
	}
}

// plateaued reports whether the confidence window is full and flat within
// delta.
func (s *TaskState) plateaued(window int, delta float64) bool {
	if window <= 0 || len(s.LastConfidences) < window {
		return false
	}
	lo, hi := s.LastConfidences[0], s.LastConfidences[0]
	for _, c := range s.LastConfidences[1:] {
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	return hi-lo < delta
}

// Contributors returns agent names in order of first contribution.
func (s *TaskState) Contributors() []string {
	out := make([]string, len(s.contributors))
	copy(out, s.contributors)
	return out
}

// stateMap guards the engine's task table. Mutation of a TaskState itself
// happens on the dispatch worker owning the task's partition; the map lock
// covers lookups, inserts and removals from sweeps.
type stateMap struct {
	mu sync.RWMutex
	m  map[string]*TaskState
}

func newStateMap() *stateMap {
	return &stateMap{m: make(map[string]*TaskState)}
}

func (sm *stateMap) get(id string) (*TaskState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.m[id]
	return s, ok
}

func (sm *stateMap) put(id string, s *TaskState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[id] = s
}

// remove reports whether the id was present, making terminal transitions
// idempotent.
func (sm *stateMap) remove(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.m[id]; !ok {
		return false
	}
	delete(sm.m, id)
	return true
}

func (sm *stateMap) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.m)
}

func (sm *stateMap) ids() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.m))
	for id := range sm.m {
		out = append(out, id)
	}
	return out
}

// digest normalizes content (lowercase, whitespace collapsed) and hashes it.
func digest(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
