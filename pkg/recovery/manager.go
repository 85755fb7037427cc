// Package recovery decides whether a failed task is retried with
// accumulated context or escalated to a human. It operates purely on the
// failure transcript; it never inspects the working tree.
package recovery

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

// suggestedActions is the fixed guidance attached to every escalation.
var suggestedActions = []string{
	"simplify the task description",
	"provide additional context or examples",
	"perform manually and record the fix",
}

// Decision is the verdict for one failure. Exactly one of Recovery or
// Escalation is set.
type Decision struct {
	Retry      bool
	Recovery   *models.RecoveryContext
	Escalation *models.EscalationInfo
}

type taskTrack struct {
	attempts int
	history  []models.AttemptRecord
}

// Manager tracks per-task attempt history in memory.
type Manager struct {
	mu          sync.Mutex
	maxAttempts int
	tracks      map[string]*taskTrack
}

func New(maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		maxAttempts: maxAttempts,
		tracks:      make(map[string]*taskTrack),
	}
}

// SeedAttempts primes the counter from the durable attempts column, so a
// coordinator restart does not reset the retry budget.
func (m *Manager) SeedAttempts(taskID string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	track := m.track(taskID)
	if attempts > track.attempts {
		track.attempts = attempts
	}
}

// HandleFailure records the attempt and returns a retry or escalation
// verdict.
func (m *Manager) HandleFailure(taskID, description, agentID string, result *models.TaskResult, failedChecks []string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	track := m.track(taskID)
	track.attempts++
	n := track.attempts

	record := models.AttemptRecord{
		AttemptNumber: n,
		AgentID:       agentID,
		FailureReason: failureReason(result, failedChecks),
		FailedChecks:  failedChecks,
		Timestamp:     time.Now().UTC(),
	}
	track.history = append(track.history, record)

	if n < m.maxAttempts {
		rc := &models.RecoveryContext{
			AttemptNumber:    n + 1,
			PreviousFailures: append([]models.AttemptRecord(nil), track.history...),
			FailurePatterns:  failurePatterns(track.history),
		}
		slog.Info("Task failure, retrying",
			"task_id", taskID, "attempt", n, "next_attempt", n+1)
		return Decision{Retry: true, Recovery: rc}
	}

	esc := &models.EscalationInfo{
		TaskID:           taskID,
		TaskDescription:  description,
		Attempts:         append([]models.AttemptRecord(nil), track.history...),
		SuggestedActions: suggestedActions,
	}
	slog.Warn("Task exhausted retry budget, escalating",
		"task_id", taskID, "attempts", n)
	return Decision{Retry: false, Escalation: esc}
}

// Attempts reports the recorded attempt count for a task.
func (m *Manager) Attempts(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if track, ok := m.tracks[taskID]; ok {
		return track.attempts
	}
	return 0
}

// Reset drops a task's history, once it reaches a terminal state.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, taskID)
}

func (m *Manager) track(taskID string) *taskTrack {
	track, ok := m.tracks[taskID]
	if !ok {
		track = &taskTrack{}
		m.tracks[taskID] = track
	}
	return track
}

func failureReason(result *models.TaskResult, failedChecks []string) string {
	if result != nil && result.Error != nil && result.Error.Message != "" {
		return result.Error.Message
	}
	if len(failedChecks) > 0 {
		return "verification failed: " + strings.Join(failedChecks, ", ")
	}
	return "unknown failure"
}

// failurePatterns extracts de-duplicated failing check names across the
// whole history, used as avoid-this hints for the next attempt.
func failurePatterns(history []models.AttemptRecord) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, rec := range history {
		for _, check := range rec.FailedChecks {
			if !seen[check] {
				seen[check] = true
				patterns = append(patterns, check)
			}
		}
	}
	return patterns
}
