package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/config"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/paths"
)

// DefaultJobsPath returns the default path for jobs.json.
func DefaultJobsPath() string {
	dir, err := paths.CronDir()
	if err != nil {
		return "cron/jobs.json"
	}
	return filepath.Join(dir, "jobs.json")
}

// DefaultRunsDir returns the default directory for run logs.
func DefaultRunsDir() string {
	dir, err := paths.CronDir()
	if err != nil {
		return "cron/runs"
	}
	return filepath.Join(dir, "runs")
}

// Store manages cron job persistence.
type Store struct {
	path    string
	runsDir string
	mu      sync.RWMutex
	jobs    map[string]*Job // keyed by job ID
}

// NewStore creates a new cron store.
func NewStore(jobsPath, runsDir string) *Store {
	if jobsPath == "" {
		jobsPath = DefaultJobsPath()
	}
	if runsDir == "" {
		runsDir = DefaultRunsDir()
	}
	return &Store{
		path:    jobsPath,
		runsDir: runsDir,
		jobs:    make(map[string]*Job),
	}
}

// Load reads jobs from the JSON file.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("cron: jobs file not found, starting empty", "path", s.path)
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.jobs = make(map[string]*Job, len(file.Jobs))
	for _, job := range file.Jobs {
		if job.ID == "" {
			continue // skip invalid jobs
		}
		s.jobs[job.ID] = job
	}

	L_info("cron: loaded jobs", "count", len(s.jobs), "path", s.path)
	return nil
}

func (s *Store) saveLocked() error {
	file := StoreFile{
		Version: 1,
		Jobs:    make([]*Job, 0, len(s.jobs)),
	}
	for _, job := range s.jobs {
		file.Jobs = append(file.Jobs, job)
	}

	if err := config.AtomicWriteJSON(s.path, &file, 0600); err != nil {
		return fmt.Errorf("failed to save jobs: %w", err)
	}
	L_debug("cron: saved jobs", "count", len(s.jobs), "path", s.path)
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// GetAllJobs returns all jobs.
func (s *Store) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// GetDueJobs returns jobs that should run now.
func (s *Store) GetDueJobs(now time.Time) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nowMs := now.UnixMilli()
	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if *job.State.NextRunAtMs <= nowMs {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// AddJob adds a new job.
func (s *Store) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	now := time.Now().UnixMilli()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now
	}
	job.UpdatedAtMs = now

	s.jobs[job.ID] = job
	return s.saveLocked()
}

// UpdateJob updates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("job with ID %s not found", job.ID)
	}

	job.UpdatedAtMs = time.Now().UnixMilli()
	s.jobs[job.ID] = job
	return s.saveLocked()
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job with ID %s not found", id)
	}

	delete(s.jobs, id)
	return s.saveLocked()
}

// Count returns the number of jobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// EnabledCount returns the number of enabled jobs.
func (s *Store) EnabledCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		if job.Enabled {
			count++
		}
	}
	return count
}

// RunsDir returns the run-log directory.
func (s *Store) RunsDir() string {
	return s.runsDir
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}
