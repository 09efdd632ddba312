package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/clawdis/clawdis/internal/logging"
)

const (
	// MaxSummaryChars is the maximum length for run summaries
	MaxSummaryChars = 2000

	// MaxHistoryBytes is the maximum size for history files (2MB)
	MaxHistoryBytes = 2 * 1024 * 1024

	// MaxHistoryLines is the maximum number of lines to keep
	MaxHistoryLines = 2000
)

// HistoryManager manages run history logs.
type HistoryManager struct {
	runsDir string
}

// NewHistoryManager creates a new history manager.
func NewHistoryManager(runsDir string) *HistoryManager {
	if runsDir == "" {
		runsDir = DefaultRunsDir()
	}
	return &HistoryManager{runsDir: runsDir}
}

// LogRun appends a run entry to the job's history file.
func (h *HistoryManager) LogRun(jobID string, entry RunLogEntry) error {
	if err := os.MkdirAll(h.runsDir, 0750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	if len(entry.Summary) > MaxSummaryChars {
		entry.Summary = entry.Summary[:MaxSummaryChars-3] + "..."
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	historyPath := h.historyPath(jobID)
	f, err := os.OpenFile(historyPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	stat, err := f.Stat()
	if err == nil && stat.Size() > MaxHistoryBytes {
		L_debug("cron: history file exceeds size limit, pruning", "job", jobID, "size", stat.Size())
		go h.pruneHistory(jobID)
	}

	return nil
}

// GetRuns returns recent runs for a job, most recent first.
func (h *HistoryManager) GetRuns(jobID string, limit int) ([]RunLogEntry, error) {
	historyPath := h.historyPath(jobID)

	f, err := os.Open(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no history yet
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var entries []RunLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry RunLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

// pruneHistory truncates the history file to the last MaxHistoryLines entries.
func (h *HistoryManager) pruneHistory(jobID string) {
	historyPath := h.historyPath(jobID)

	f, err := os.Open(historyPath)
	if err != nil {
		L_error("cron: failed to open history for pruning", "job", jobID, "error", err)
		return
	}

	var entries [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entries = append(entries, append([]byte{}, scanner.Bytes()...))
	}
	f.Close()

	if len(entries) <= MaxHistoryLines {
		return
	}

	entries = entries[len(entries)-MaxHistoryLines:]

	tmpPath := historyPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		L_error("cron: failed to create temp file for pruning", "job", jobID, "error", err)
		return
	}

	for _, entry := range entries {
		tmpFile.Write(entry)
		tmpFile.Write([]byte{'\n'})
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, historyPath); err != nil {
		L_error("cron: failed to rename pruned history", "job", jobID, "error", err)
		os.Remove(tmpPath)
		return
	}

	L_debug("cron: pruned history", "job", jobID, "keptEntries", len(entries))
}

// DeleteHistory removes the history file for a job.
func (h *HistoryManager) DeleteHistory(jobID string) error {
	err := os.Remove(h.historyPath(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

func (h *HistoryManager) historyPath(jobID string) string {
	return filepath.Join(h.runsDir, jobID+".jsonl")
}

// CreateRunEntry creates a RunLogEntry from execution results.
func CreateRunEntry(startTime time.Time, duration time.Duration, status, summary, errorMsg string) RunLogEntry {
	if len(summary) > MaxSummaryChars {
		summary = summary[:MaxSummaryChars-3] + "..."
	}
	return RunLogEntry{
		Ts:         startTime.UnixMilli(),
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Summary:    summary,
		Error:      errorMsg,
	}
}
