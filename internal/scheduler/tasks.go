package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// ErrTaskNotFound indicates the task id is unknown or expired.
var ErrTaskNotFound = errors.New("validation task not found")

// TaskStatus is the lifecycle state of a bulk validation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
)

// KeyResult is the validation verdict for one credential.
type KeyResult struct {
	// Key is the redacted secret, recognizable to the operator who
	// imported it without leaking material.
	Key     string `json:"keyValue"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Task is a bulk validation task record.
type Task struct {
	ID          string      `json:"id"`
	Status      TaskStatus  `json:"status"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Results     []KeyResult `json:"results,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt time.Time   `json:"completedAt,omitempty"`
}

const taskKeyPrefix = "task:"

// outcomeVerdict maps a probe outcome to the task-facing verdict.
func outcomeVerdict(o credential.Outcome) string {
	if o == credential.OutcomeSuccess {
		return "valid"
	}
	return string(o)
}

// ValidateAll starts an asynchronous validation of every credential in
// the pool and returns the task id to poll.
func (s *Scheduler) ValidateAll(ctx context.Context) (string, error) {
	creds, err := s.store.List(ctx)
	if err != nil {
		return "", err
	}

	task := &Task{
		ID:        uuid.NewString(),
		Status:    TaskPending,
		Total:     len(creds),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveTask(ctx, task); err != nil {
		return "", err
	}

	s.wg.Add(1)
	go s.runTask(task, creds)

	return task.ID, nil
}

// runTask probes every credential and persists the final record. It
// runs detached from the caller's request context; Stop waits for it.
func (s *Scheduler) runTask(task *Task, creds []*credential.Credential) {
	defer s.wg.Done()

	// Task work should survive the HTTP request that launched it but
	// still die with the scheduler.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	task.Status = TaskRunning
	if err := s.saveTask(ctx, task); err != nil {
		s.logger.Warn("failed to persist task state", observability.Error(err))
	}

	s.mu.Lock()
	workers := s.settings.Workers
	s.mu.Unlock()

	sem := make(chan struct{}, workers)
	results := make([]KeyResult, len(creds))
	var wg sync.WaitGroup

	for i, c := range creds {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, message := s.prober.Probe(ctx, c.Secret)
			results[i] = KeyResult{
				Key:     c.Redacted(),
				Status:  outcomeVerdict(outcome),
				Message: message,
			}

			if _, err := s.tracker.Record(ctx, credential.Report{
				CredentialID: c.ID,
				Outcome:      outcome,
				CountUsage:   false,
			}); err != nil {
				s.logger.Warn("failed to apply bulk probe outcome",
					observability.String("credential_id", c.ID),
					observability.Error(err),
				)
			}
		}()
	}
	wg.Wait()

	done := make([]KeyResult, 0, len(results))
	for _, r := range results {
		if r.Status != "" {
			done = append(done, r)
		}
	}

	task.Status = TaskCompleted
	task.Completed = len(done)
	task.Results = done
	task.CompletedAt = time.Now().UTC()

	if err := s.saveTask(ctx, task); err != nil {
		s.logger.Warn("failed to persist completed task", observability.Error(err))
	}

	s.recordSnapshot(ctx)
}

// Task loads a bulk validation task record.
func (s *Scheduler) Task(ctx context.Context, id string) (*Task, error) {
	data, err := s.state.Get(ctx, taskKeyPrefix+id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Scheduler) saveTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ttl := s.settings.TaskTTL
	s.mu.Unlock()

	return s.state.Set(ctx, taskKeyPrefix+task.ID, data, ttl)
}
