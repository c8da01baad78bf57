package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/ocrd/internal/domain"
)

// ─── Task API (/api/start, /api/tasks, /api/progress, /api/result) ──────────

type startRequest struct {
	FilePath string `json:"file_path"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	id, err := s.tasks.StartTask(r.Context(), req.FilePath, req.Prompt)
	if err != nil {
		if domain.IsInputError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Errorf("Start task for %s: %v", req.FilePath, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "running",
		"task_id": id,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.tasks.ListTasks(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"task_id":  t.ID,
		"state":    t.Status,
		"progress": t.Progress,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	switch t.Status {
	case domain.TaskFailed:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "error",
			"task_id": t.ID,
			"message": t.ErrorMessage,
		})
	case domain.TaskFinished:
		if info, err := os.Stat(t.ResultDirectory); err != nil || !info.IsDir() {
			writeError(w, http.StatusGone, "result directory no longer exists")
			return
		}
		files := t.OutputFiles
		if files == nil {
			files = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "success",
			"task_id":    t.ID,
			"state":      t.Status,
			"result_dir": t.ResultDirectory,
			"files":      files,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "running",
			"task_id":  t.ID,
			"state":    t.Status,
			"progress": t.Progress,
		})
	}
}

// lookup fetches a task or writes the error response.
func (s *Server) lookup(w http.ResponseWriter, id string) (*domain.Task, bool) {
	t, err := s.tasks.GetState(id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found: "+id)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return t, true
}
