package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/outbound"
)

// tickInterval is how often the service checks for due jobs.
const tickInterval = 30 * time.Second

// Waker requests a heartbeat for next-heartbeat wake mode jobs.
type Waker interface {
	RequestNow(coalesce time.Duration)
}

// Service schedules and executes cron jobs.
type Service struct {
	store   *Store
	history *HistoryManager
	runner  *agent.Runner
	deliver *outbound.Deliverer
	waker   Waker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// ServiceStatus summarizes the service for cron.status.
type ServiceStatus struct {
	Running     bool  `json:"running"`
	Jobs        int   `json:"jobs"`
	EnabledJobs int   `json:"enabledJobs"`
	NextRunAtMs int64 `json:"nextRunAtMs,omitempty"`
}

// NewService creates the cron service. waker may be nil when heartbeats
// are disabled.
func NewService(store *Store, runner *agent.Runner, deliver *outbound.Deliverer, waker Waker) *Service {
	return &Service{
		store:   store,
		history: NewHistoryManager(store.RunsDir()),
		runner:  runner,
		deliver: deliver,
		waker:   waker,
	}
}

// Start loads the job store and begins the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.store.Load(); err != nil {
		return err
	}
	s.refreshNextRuns()

	go s.loop(runCtx)

	L_info("cron: service started", "jobs", s.store.Count(), "enabled", s.store.EnabledCount())
	return nil
}

// Stop halts the scheduling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	L_info("cron: service stopped")
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range s.store.GetDueJobs(time.Now()) {
				if job.IsRunning() {
					continue
				}
				go s.execute(ctx, job.ID)
			}
		}
	}
}

// refreshNextRuns recomputes NextRunAt for every enabled job.
func (s *Service) refreshNextRuns() {
	now := time.Now()
	for _, job := range s.store.GetAllJobs() {
		next, err := NextRunTime(job, now)
		if err != nil {
			L_warn("cron: cannot schedule job", "job", job.Name, "error", err)
			continue
		}
		job.SetNextRun(next)
		if err := s.store.UpdateJob(job); err != nil {
			L_warn("cron: failed to persist next run", "job", job.Name, "error", err)
		}
	}
}

// execute runs one job to completion and logs the outcome.
func (s *Service) execute(ctx context.Context, jobID string) {
	job := s.store.GetJob(jobID)
	if job == nil {
		return
	}

	start := time.Now()
	job.SetRunning()
	s.store.UpdateJob(job)

	L_info("cron: running job", "job", job.Name, "kind", job.Payload.Kind)

	summary, err := s.runPayload(ctx, job)

	status := StatusOK
	errStr := ""
	if err != nil {
		status = StatusError
		errStr = err.Error()
		L_error("cron: job failed", "job", job.Name, "error", err)
	}

	job.SetLastRun(start, time.Since(start), status, errStr)

	if job.IsOneShot() && job.DeleteAfterRun && status == StatusOK {
		s.store.DeleteJob(job.ID)
	} else {
		next, _ := NextRunTime(job, time.Now())
		job.SetNextRun(next)
		s.store.UpdateJob(job)
	}

	if logErr := s.history.LogRun(job.ID, CreateRunEntry(start, time.Since(start), status, summary, errStr)); logErr != nil {
		L_warn("cron: failed to log run", "job", job.Name, "error", logErr)
	}
}

// runPayload executes the job's payload.
func (s *Service) runPayload(ctx context.Context, job *Job) (string, error) {
	timeout := time.Duration(job.Payload.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch job.Payload.Kind {
	case PayloadKindSystemEvent:
		text := job.Payload.GetPrompt()
		if job.WakeMode == WakeNextHeartbeat && s.waker != nil {
			// Deferred: request a heartbeat wake (coalesced over one minute);
			// the event text is returned for the run log and is not passed
			// to the heartbeat.
			s.waker.RequestNow(time.Minute)
			return text, nil
		}
		if job.Payload.Deliver && job.Payload.Channel != "" {
			err := s.deliver.SendTo(runCtx, job.Payload.Channel, job.Payload.To,
				[]envelope.Payload{{Text: text}})
			return text, err
		}
		return text, nil

	case PayloadKindAgentTurn:
		req := agent.Request{
			RunID:         uuid.New().String(),
			SessionKey:    "cron:" + job.ID,
			Prompt:        job.Payload.GetPrompt(),
			ThinkingLevel: job.Payload.Thinking,
		}
		stream, err := s.runner.Start(runCtx, req, nil)
		if err != nil {
			return "", err
		}
		result := stream.Result()
		if result.Tag != agent.ResultOK && result.Tag != agent.ResultContextOverflow {
			if result.Err != nil {
				return "", result.Err
			}
			return "", fmt.Errorf("agent run ended with %s", result.Tag)
		}

		var texts []string
		for _, p := range result.Payloads {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		summary := strings.Join(texts, "\n\n")

		if job.Payload.Deliver && job.Payload.Channel != "" && len(result.Payloads) > 0 {
			if err := s.deliver.SendTo(runCtx, job.Payload.Channel, job.Payload.To, result.Payloads); err != nil {
				return summary, err
			}
		}
		return summary, nil

	default:
		return "", fmt.Errorf("unknown payload kind: %s", job.Payload.Kind)
	}
}

// List returns all jobs.
func (s *Service) List() []*Job {
	return s.store.GetAllJobs()
}

// Status returns the service summary.
func (s *Service) Status() ServiceStatus {
	st := ServiceStatus{
		Running:     s.IsRunning(),
		Jobs:        s.store.Count(),
		EnabledJobs: s.store.EnabledCount(),
	}
	var next int64
	for _, job := range s.store.GetAllJobs() {
		if job.State.NextRunAtMs == nil {
			continue
		}
		if next == 0 || *job.State.NextRunAtMs < next {
			next = *job.State.NextRunAtMs
		}
	}
	st.NextRunAtMs = next
	return st
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, id string) (*Job, error) {
	job := s.store.GetJob(id)
	if job == nil {
		return nil, fmt.Errorf("job with ID %s not found", id)
	}
	if job.IsRunning() {
		return nil, fmt.Errorf("job %s is already running", job.Name)
	}
	s.execute(ctx, id)
	return s.store.GetJob(id), nil
}

// AddFromJSON validates and adds a job from a raw JSON document.
func (s *Service) AddFromJSON(raw json.RawMessage) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("invalid job document: %w", err)
	}
	if job.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if job.Payload.Kind == "" {
		return nil, fmt.Errorf("payload kind is required")
	}
	if _, err := NextRunTime(&job, time.Now()); job.Enabled && err != nil {
		return nil, err
	}

	if err := s.store.AddJob(&job); err != nil {
		return nil, err
	}
	next, _ := NextRunTime(&job, time.Now())
	job.SetNextRun(next)
	if err := s.store.UpdateJob(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Remove deletes a job and its history.
func (s *Service) Remove(id string) error {
	if err := s.store.DeleteJob(id); err != nil {
		return err
	}
	return s.history.DeleteHistory(id)
}

// Runs returns recent runs for a job.
func (s *Service) Runs(id string, limit int) ([]RunLogEntry, error) {
	return s.history.GetRuns(id, limit)
}
