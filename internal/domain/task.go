// Package domain holds the task model shared by every layer of ocrd.
// A Task tracks one external recognition worker from acceptance to its
// terminal outcome: Pending → Running → Finished | Failed.
package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending  TaskStatus = "Pending"
	TaskRunning  TaskStatus = "Running"
	TaskFinished TaskStatus = "Finished"
	TaskFailed   TaskStatus = "Failed"
)

// rank orders statuses along the only allowed direction of travel.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	case TaskFinished, TaskFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool { return s.rank() >= 0 }

// IsTerminal returns true for Finished and Failed.
func (s TaskStatus) IsTerminal() bool { return s == TaskFinished || s == TaskFailed }

// CanTransition reports whether a task may move from s to next.
// Staying in the same non-terminal status is allowed (progress updates).
// Pending may jump straight to Failed (launch failure) but never to Finished.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	if s == TaskPending && next == TaskFinished {
		return false
	}
	return next.rank() > s.rank()
}

// FileType is the kind of input document.
type FileType string

const (
	FilePDF   FileType = "pdf"
	FileImage FileType = "image"
)

// Task is the unit of work. The JSON layout is the persisted record.
type Task struct {
	ID              string     `json:"id"`
	Status          TaskStatus `json:"status"`
	ResultDirectory string     `json:"resultDirectory"`
	Progress        int        `json:"progress"`
	OutputFiles     []string   `json:"outputFiles,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	InputPath       string     `json:"inputPath,omitempty"`
	FileType        FileType   `json:"fileType,omitempty"`
	Prompt          string     `json:"prompt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// record drops Task's methods so MarshalJSON can encode the plain fields.
type record Task

// MarshalJSON writes outputFiles only for Finished tasks, as an empty array
// when the worker produced nothing.
func (t Task) MarshalJSON() ([]byte, error) {
	var files *[]string
	if t.Status == TaskFinished {
		f := t.OutputFiles
		if f == nil {
			f = []string{}
		}
		files = &f
	}
	return json.Marshal(struct {
		record
		OutputFiles *[]string `json:"outputFiles,omitempty"`
	}{record(t), files})
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Clone returns a deep copy safe to hand to another goroutine.
func (t Task) Clone() Task {
	t.OutputFiles = slices.Clone(t.OutputFiles)
	return t
}

// TaskPatch is a partial update merged into a persisted Task.
// Nil fields are left untouched.
type TaskPatch struct {
	Status          *TaskStatus
	ResultDirectory *string
	Progress        *int
	OutputFiles     []string
	ErrorMessage    *string
}

// Terminal reports whether the patch moves the task into a final state.
func (p TaskPatch) Terminal() bool { return p.Status != nil && p.Status.IsTerminal() }

// Apply merges p into t and returns the result. It enforces the record
// invariants: status only moves forward, progress never decreases and stays
// within 0–100, output files only accompany Finished, and an error message
// only accompanies Failed.
func (t Task) Apply(p TaskPatch, now time.Time) (Task, error) {
	out := t.Clone()

	if p.Status != nil {
		if !t.Status.CanTransition(*p.Status) {
			return t, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, *p.Status)
		}
		out.Status = *p.Status
	}
	if p.ResultDirectory != nil {
		out.ResultDirectory = *p.ResultDirectory
	}
	if p.Progress != nil {
		v := min(max(*p.Progress, 0), 100)
		out.Progress = max(out.Progress, v)
	}
	if p.OutputFiles != nil {
		if out.Status != TaskFinished {
			return t, fmt.Errorf("%w: output files on %s task", ErrInvalidTransition, out.Status)
		}
		out.OutputFiles = slices.Clone(p.OutputFiles)
	}
	if p.ErrorMessage != nil {
		if out.Status != TaskFailed {
			return t, fmt.Errorf("%w: error message on %s task", ErrInvalidTransition, out.Status)
		}
		out.ErrorMessage = *p.ErrorMessage
	}
	if out.Status == TaskFinished {
		out.Progress = 100
		if out.OutputFiles == nil {
			out.OutputFiles = []string{}
		}
	}

	out.UpdatedAt = now
	return out, nil
}

// ─── Patch constructors ─────────────────────────────────────────────────────

// RunningPatch moves a task into Running with its result directory.
func RunningPatch(resultDir string) TaskPatch {
	s := TaskRunning
	return TaskPatch{Status: &s, ResultDirectory: &resultDir}
}

// ProgressPatch records a new progress value.
func ProgressPatch(pct int) TaskPatch {
	return TaskPatch{Progress: &pct}
}

// FinishedPatch marks a task Finished with its output files.
func FinishedPatch(files []string) TaskPatch {
	s := TaskFinished
	if files == nil {
		files = []string{}
	}
	return TaskPatch{Status: &s, OutputFiles: files}
}

// FailedPatch marks a task Failed with a human-readable message.
func FailedPatch(msg string) TaskPatch {
	s := TaskFailed
	if msg == "" {
		msg = "task failed"
	}
	return TaskPatch{Status: &s, ErrorMessage: &msg}
}
