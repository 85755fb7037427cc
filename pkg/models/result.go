package models

import "time"

// TaskClaims is what an agent asserts it accomplished. Claims are checked
// against the worktree by the verification engine; they are never trusted
// as-is.
type TaskClaims struct {
	CommitsCreated int      `json:"commitsCreated,omitempty"`
	FilesModified  []string `json:"filesModified,omitempty"`
	TestsRun       bool     `json:"testsRun,omitempty"`
	TestsPassed    bool     `json:"testsPassed,omitempty"`
	Summary        string   `json:"summary,omitempty"`
}

// TaskError describes an agent-reported failure.
type TaskError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// TaskResult is the outcome of one dispatch attempt, either reported by the
// agent or synthesised by the coordinator for dead-agent and timeout
// failures.
type TaskResult struct {
	TaskID     string     `json:"taskId"`
	AgentID    string     `json:"agentId,omitempty"`
	Status     string     `json:"status,omitempty"`
	Success    bool       `json:"success"`
	Claims     TaskClaims `json:"claims"`
	Summary    string     `json:"summary,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	StartTime  time.Time  `json:"startTime,omitempty"`
	EndTime    time.Time  `json:"endTime,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// VerificationCheck is one named check's outcome.
type VerificationCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Details  string `json:"details,omitempty"`
}

// VerificationResult aggregates all checks for one attempt. Success is true
// only when every check passed.
type VerificationResult struct {
	Success    bool                `json:"success"`
	Checks     []VerificationCheck `json:"checks"`
	DurationMs int64               `json:"durationMs"`
}

// FailingChecks returns the names of checks that did not pass.
func (r *VerificationResult) FailingChecks() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// AttemptRecord is one failed attempt in a task's recovery history.
type AttemptRecord struct {
	AttemptNumber int       `json:"attemptNumber"`
	AgentID       string    `json:"agentId,omitempty"`
	FailureReason string    `json:"failureReason"`
	FailedChecks  []string  `json:"failedChecks,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecoveryContext travels with a retry dispatch so the next agent can avoid
// repeating prior mistakes.
type RecoveryContext struct {
	AttemptNumber    int             `json:"attemptNumber"`
	PreviousFailures []AttemptRecord `json:"previousFailures"`
	FailurePatterns  []string        `json:"failurePatterns,omitempty"`
}

// EscalationInfo is raised when a task exhausts its retry budget.
type EscalationInfo struct {
	TaskID           string          `json:"taskId"`
	TaskDescription  string          `json:"taskDescription"`
	Attempts         []AttemptRecord `json:"attempts"`
	SuggestedActions []string        `json:"suggestedActions"`
}
