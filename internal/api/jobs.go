package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlstep/sqlstep/core/exec"
	"github.com/sqlstep/sqlstep/internal/logging"
)

// JobStatus is the lifecycle state of an async execution job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one asynchronous query execution. A paused session holds the
// job open; cancelling the job cancels the execution context, which
// stops the session and releases the pause.
type Job struct {
	mu sync.Mutex

	ID          string
	SessionID   string
	Query       string
	Parameters  []any
	Status      JobStatus
	Result      *exec.Result
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// JobView is the JSON shape of a job snapshot.
type JobView struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Query       string       `json:"query"`
	Status      JobStatus    `json:"status"`
	Result      *exec.Result `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// View snapshots the job under its lock.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	view := JobView{
		ID:        j.ID,
		SessionID: j.SessionID,
		Query:     j.Query,
		Status:    j.Status,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		view.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		view.CompletedAt = &t
	}
	return view
}

func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobStore tracks async jobs in memory. Terminal jobs older than
// retainFor are dropped by the cleanup loop.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retainFor time.Duration
}

var globalJobStore = NewJobStore()

// NewJobStore creates a job store and starts its cleanup loop.
func NewJobStore() *JobStore {
	s := &JobStore{
		jobs:      make(map[string]*Job),
		retainFor: time.Hour,
	}
	go s.cleanupLoop()
	return s
}

// Create registers a pending job for the given session and query.
func (s *JobStore) Create(sessionID, query string, parameters []any) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Query:      query,
		Parameters: parameters,
		Status:     JobPending,
		CreatedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

// Get returns the job by ID, or nil.
func (s *JobStore) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// List returns views of all jobs, newest first.
func (s *JobStore) List() []JobView {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	for i := 0; i < len(views); i++ {
		for k := i + 1; k < len(views); k++ {
			if views[k].CreatedAt.After(views[i].CreatedAt) {
				views[i], views[k] = views[k], views[i]
			}
		}
	}
	return views
}

// Cancel cancels a running or pending job. Returns false if the job is
// unknown or already terminal.
func (s *JobStore) Cancel(id string) bool {
	job := s.Get(id)
	if job == nil || job.terminal() {
		return false
	}
	job.cancel()
	return true
}

func (s *JobStore) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-s.retainFor)
		s.mu.Lock()
		for id, job := range s.jobs {
			if job.terminal() && job.View().CreatedAt.Before(cutoff) {
				delete(s.jobs, id)
			}
		}
		s.mu.Unlock()
	}
}

// runJob executes the job's query in the background against the engine.
func runJob(job *Job) {
	go func() {
		job.mu.Lock()
		job.Status = JobRunning
		job.StartedAt = time.Now()
		job.mu.Unlock()

		result, err := debugEngine.ExecuteQuery(job.ctx, job.SessionID, job.Query, job.Parameters)

		job.mu.Lock()
		defer job.mu.Unlock()
		job.CompletedAt = time.Now()
		switch {
		case job.ctx.Err() != nil:
			job.Status = JobCancelled
			job.Error = job.ctx.Err().Error()
		case err != nil:
			job.Status = JobFailed
			job.Error = err.Error()
		default:
			job.Status = JobCompleted
			job.Result = result
		}
		job.cancel()

		logging.Debug("async job finished", "job_id", job.ID, "session_id", job.SessionID, "status", job.Status)
	}()
}

func handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views := globalJobStore.List()
		respondWithTotal(w, http.StatusOK, views, len(views))
	case http.MethodPost:
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
			return
		}
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			respondError(w, http.StatusBadRequest, "MISSING_SESSION", "session query parameter is required")
			return
		}
		if _, ok := requireOwnedSession(w, r, sessionID); !ok {
			return
		}
		job := globalJobStore.Create(sessionID, req.Query, req.Parameters)
		runJob(job)
		respond(w, http.StatusAccepted, job.View())
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and POST are allowed")
	}
}

func handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "MISSING_ID", "Job ID is required")
		return
	}

	job := globalJobStore.Get(id)
	if job == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		respond(w, http.StatusOK, job.View())
	case http.MethodDelete:
		if !globalJobStore.Cancel(id) {
			respondError(w, http.StatusConflict, "NOT_CANCELLABLE", "Job already finished")
			return
		}
		respond(w, http.StatusOK, map[string]string{"message": "Job cancelled"})
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and DELETE are allowed")
	}
}
