package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrWriteConflict is returned when a guarded update found the row in an
// unexpected state. Callers retry the whole operation.
var ErrWriteConflict = errors.New("write conflict")

// ErrInvalid is wrapped by errors for caller-supplied values that fail validation.
var ErrInvalid = errors.New("invalid input")

// ErrNotCancellable is returned when cancelling a task that already left pending.
var ErrNotCancellable = errors.New("task is not pending")

// EnrichmentState tracks how far the AI pipeline got for an idea.
type EnrichmentState string

const (
	StateUnprocessed EnrichmentState = "unprocessed"
	StatePending     EnrichmentState = "pending"
	StateProcessing  EnrichmentState = "processing"
	StateCompleted   EnrichmentState = "completed"
	StateFailed      EnrichmentState = "failed"
)

type TaskType string

const (
	TaskEmbed         TaskType = "embed"
	TaskSummarize     TaskType = "summarize"
	TaskRelate        TaskType = "relate"
	TaskVectorCleanup TaskType = "vector_cleanup"
)

// EnrichmentTasks is the task set enqueued for every new or edited idea, in
// execution order.
var EnrichmentTasks = []TaskType{TaskEmbed, TaskSummarize, TaskRelate}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskEmbed, TaskSummarize, TaskRelate, TaskVectorCleanup:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Idea struct {
	ID              string
	Content         string
	Title           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Archived        bool
	Favorite        bool
	Summary         string
	Importance      int
	EnrichmentState EnrichmentState
	Generation      int
	Tags            []string
}

// NewIdea holds the caller-supplied fields of an idea being captured.
type NewIdea struct {
	Content    string
	Title      string
	Importance int
	Favorite   bool
	Tags       []string
}

// IdeaUpdate describes a partial update. Nil fields are left untouched.
type IdeaUpdate struct {
	Content    *string
	Title      *string
	Archived   *bool
	Favorite   *bool
	Importance *int
	Tags       *[]string
}

// IdeaFilter narrows ListIdeas.
type IdeaFilter struct {
	Archived *bool
	Favorite *bool
	Tag      string
	State    EnrichmentState
	Limit    int
	Offset   int
}

type Keyword struct {
	IdeaID  string
	Keyword string
	Weight  float64
}

type Relation struct {
	ID           string
	SourceIdeaID string
	TargetIdeaID string
	RelationType string
	Confidence   float64
	CreatedAt    time.Time
}

type Task struct {
	ID            string
	IdeaID        string
	Type          TaskType
	Status        TaskStatus
	Generation    int
	CreatedAt     time.Time
	ProcessedAt   time.Time
	NextAttemptAt time.Time
	Result        string
	Error         string
	AttemptCount  int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	IdeaID string
	Status TaskStatus
	Type   TaskType
	Limit  int
}

// LiveIdea is the subset of an idea needed to filter search results.
type LiveIdea struct {
	ID       string
	Archived bool
	Favorite bool
	Tags     []string
}
