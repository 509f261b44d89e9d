package models

import (
	"time"

	"github.com/google/uuid"
)

// Intent is the semantic category of a message; it controls dispatch.
type Intent string

const (
	IntentChat        Intent = "chat"
	IntentStartTask   Intent = "start_task"
	IntentCheckStatus Intent = "check_status"
	IntentModifyTask  Intent = "modify_task"
	IntentToolSuggest Intent = "tool_suggest"
	IntentToolExecute Intent = "tool_execute"
)

// Valid reports whether the intent is one of the known literals. Unknown
// literals are preserved as-is so payloads round-trip; callers route them to
// the dead-letter handler instead of crashing.
func (i Intent) Valid() bool {
	switch i {
	case IntentChat, IntentStartTask, IntentCheckStatus, IntentModifyTask, IntentToolSuggest, IntentToolExecute:
		return true
	}
	return false
}

// Event is the lifecycle stage of a task in the orchestrator state machine.
type Event string

const (
	EventPlan     Event = "plan"
	EventExecute  Event = "execute"
	EventRefine   Event = "refine"
	EventComplete Event = "complete"
	EventEscalate Event = "escalate"
)

func (e Event) Valid() bool {
	switch e {
	case EventPlan, EventExecute, EventRefine, EventComplete, EventEscalate:
		return true
	}
	return false
}

// Terminal reports whether the event ends a task.
func (e Event) Terminal() bool {
	return e == EventComplete || e == EventEscalate
}

// Outcome is the terminal disposition of a task.
type Outcome string

const (
	OutcomeMerged    Outcome = "merged"
	OutcomeCompleted Outcome = "completed"
	OutcomeEscalated Outcome = "escalated"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeMerged, OutcomeCompleted, OutcomeEscalated:
		return true
	}
	return false
}

// Success reports whether the outcome counts as a successful completion for
// router feedback purposes.
func (o Outcome) Success() bool {
	return o == OutcomeCompleted || o == OutcomeMerged
}

// Effort is the estimated reasoning effort for a task.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Rank orders efforts so adjustment rules can bump but never lower a level.
func (e Effort) Rank() int {
	switch e {
	case EffortMedium:
		return 1
	case EffortHigh:
		return 2
	}
	return 0
}

// EffortFromRank is the inverse of Rank, clamped to [low, high].
func EffortFromRank(r int) Effort {
	switch {
	case r >= 2:
		return EffortHigh
	case r == 1:
		return EffortMedium
	}
	return EffortLow
}

// Strategy is the cognitive strategy an agent should use for a given effort.
// The core carries it as informational metadata and never branches on it.
type Strategy string

const (
	StrategyDirect Strategy = "direct_answer"
	StrategyCoT    Strategy = "chain-of-thought"
	StrategyCoD    Strategy = "chain-of-draft"
)

// StrategyFor maps reasoning effort to a strategy.
func StrategyFor(e Effort) Strategy {
	switch e {
	case EffortMedium:
		return StrategyCoT
	case EffortHigh:
		return StrategyCoD
	}
	return StrategyDirect
}

// Message is a chat or control utterance between agents or user and agent.
type Message struct {
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Content     string    `json:"content"`
	Intent      Intent    `json:"intent"`
	Timestamp   time.Time `json:"timestamp"`
	TargetAgent string    `json:"target_agent,omitempty"`
}

// Diagnostics records the feature vector behind an effort estimate. It rides
// on tasks so the router and the dashboard can see why a level was chosen.
type Diagnostics struct {
	WordCount       int                 `json:"word_count"`
	ComplexityScore float64             `json:"complexity_score"`
	CategoryHits    map[string]int      `json:"category_hits,omitempty"`
	MatchedKeywords map[string][]string `json:"matched_keywords,omitempty"`
	BaseEffort      Effort              `json:"base_effort,omitempty"`
	HighThreshold   float64             `json:"high_threshold,omitempty"`
	MediumThreshold float64             `json:"medium_threshold,omitempty"`
	Adjustments     []string            `json:"adjustments,omitempty"`
}

// Task is a Message with a target and lifecycle metadata.
type Task struct {
	Message
	Event             Event        `json:"event"`
	Confidence        *float64     `json:"confidence,omitempty"`
	ReasoningEffort   Effort       `json:"reasoning_effort,omitempty"`
	ReasoningStrategy Strategy     `json:"reasoning_strategy,omitempty"`
	Diagnostics       *Diagnostics `json:"diagnostics,omitempty"`
}

// TaskResult is a Task carrying a terminal or intermediate outcome.
type TaskResult struct {
	Task
	Outcome            Outcome  `json:"outcome"`
	ContributingAgents []string `json:"contributing_agents"`
}

// NewMessage stamps a Message with a UTC timestamp.
func NewMessage(taskID, agent, content string, intent Intent) *Message {
	return &Message{
		TaskID:    taskID,
		Agent:     agent,
		Content:   content,
		Intent:    intent,
		Timestamp: time.Now().UTC(),
	}
}

// NewTask builds a Task; confidence may be nil when the sender has none.
func NewTask(taskID, agent, content, target string, intent Intent, event Event, confidence *float64) *Task {
	return &Task{
		Message: Message{
			TaskID:      taskID,
			Agent:       agent,
			Content:     content,
			Intent:      intent,
			Timestamp:   time.Now().UTC(),
			TargetAgent: target,
		},
		Event:      event,
		Confidence: confidence,
	}
}

// NewTaskResult builds a TaskResult with intent fixed to modify_task, the
// wire convention for results and feedback.
func NewTaskResult(taskID, agent, content, target string, event Event, outcome Outcome, contributing []string) *TaskResult {
	if len(contributing) == 0 {
		contributing = []string{agent}
	}
	return &TaskResult{
		Task: Task{
			Message: Message{
				TaskID:      taskID,
				Agent:       agent,
				Content:     content,
				Intent:      IntentModifyTask,
				Timestamp:   time.Now().UTC(),
				TargetAgent: target,
			},
			Event: event,
		},
		Outcome:            outcome,
		ContributingAgents: contributing,
	}
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// ChannelFor resolves an agent name to its inbound bus channel. Agents refer
// to each other only by name; this is the single name-to-channel mapping.
func ChannelFor(agent string) string {
	return agent + "_channel"
}

// HeartbeatKey resolves an agent name to its liveness key.
func HeartbeatKey(agent string) string {
	return agent + "_heartbeat"
}

// Float64 returns a pointer to v, for optional confidence fields.
func Float64(v float64) *float64 {
	return &v
}
