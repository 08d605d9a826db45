package store

// TaskStatus tracks an extraction task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one queued document-ingestion job. Claiming is exclusive: a task
// is processed by at most one worker at a time, and a claim that misses
// its visibility deadline makes the task claimable again.
type Task struct {
	ID                 string
	CompanyID          string
	FileID             string
	FileURL            string
	Industry           string
	DataType           string
	CallbackURL        string
	FileMetadata       map[string]any
	Status             TaskStatus
	Attempts           int
	ClaimedBy          string
	VisibilityDeadline int64
	Error              string
	Result             *TaskResult
	CreatedTs          int64
	UpdatedTs          int64
}

// TaskResult summarizes a completed ingestion, echoed in the callback.
type TaskResult struct {
	ChunksCreated         int     `json:"chunksCreated"`
	ProcessingTimeSeconds float64 `json:"processingTimeSeconds"`
	Collection            string  `json:"collection"`
	VectorDimensions      int     `json:"vectorDimensions"`
	EmbeddingModel        string  `json:"embeddingModel"`
}
