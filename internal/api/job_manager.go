package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/slippy-genome/server/internal/genetable"
	"github.com/slippy-genome/server/internal/placement"
	"github.com/slippy-genome/server/internal/service"
)

// JobStatus is the lifecycle state of a placement job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s JobStatus) Done() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrJobManagerStopped is returned by Submit after Stop.
var ErrJobManagerStopped = errors.New("job manager stopped")

// JobProgress reports how many spans of a job have been processed.
type JobProgress struct {
	Done    int `json:"done"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

func newJobProgress(done, total int) JobProgress {
	p := JobProgress{Done: done, Total: total, Percent: 100}
	if total > 0 {
		p.Percent = (done*100 + total - 1) / total
	}
	return p
}

// JobDiagnostic is a span that a job could not place.
type JobDiagnostic struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Duplicate bool   `json:"duplicate"`
}

// Job is a bulk placement of a gene filter group.
type Job struct {
	ID          string          `json:"job_id"`
	ViewID      string          `json:"view"`
	Filter      string          `json:"filter,omitempty"`
	Status      JobStatus       `json:"status"`
	Progress    JobProgress     `json:"progress"`
	Placed      int             `json:"placed"`
	Diagnostics []JobDiagnostic `json:"diagnostics"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func (j *Job) snapshot() Job {
	out := *j
	out.Diagnostics = append([]JobDiagnostic(nil), j.Diagnostics...)
	return out
}

func (j *Job) addDiagnostics(diags []placement.Diagnostic) {
	for _, d := range diags {
		j.Diagnostics = append(j.Diagnostics, JobDiagnostic{ID: d.ID, Message: d.Message(), Duplicate: d.Duplicate()})
	}
}

func (j *Job) finish(status JobStatus, msg string) {
	now := time.Now()
	j.Status = status
	j.Error = msg
	j.FinishedAt = &now
}

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int           // Max concurrent placement jobs (default 1)
	Retention     time.Duration // How long finished jobs are kept (default 1h)
	CleanupPeriod time.Duration
	// Progress, when set, is called after each processed item of a job.
	Progress func(jobID string, p JobProgress)
}

type pendingJob struct {
	id    string
	svc   *service.ViewService
	items []placement.Item
}

// JobManager runs placement jobs on a bounded pool of workers. Jobs live in
// memory only.
type JobManager struct {
	cfg      JobManagerConfig
	jobs     map[string]*Job
	queue    chan pendingJob
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg JobManagerConfig) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 10 * time.Minute
	}

	return &JobManager{
		cfg:     cfg,
		jobs:    make(map[string]*Job),
		queue:   make(chan pendingJob, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
func (jm *JobManager) Start() {
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.stopCh)
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for p := range jm.queue {
		jm.runJob(p)
	}
}

func (jm *JobManager) runJob(p pendingJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	job, ok := jm.jobs[p.id]
	if !ok || job.Status != JobStatusQueued {
		jm.mu.Unlock()
		return
	}
	if jm.stopped {
		job.finish(JobStatusCancelled, "server shutting down")
		jm.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	jm.running[p.id] = cancel
	jm.mu.Unlock()

	res, err := p.svc.PlaceBatch(ctx, p.items, func(done, total int) {
		prog := newJobProgress(done, total)
		jm.mu.Lock()
		job.Progress = prog
		jm.mu.Unlock()
		if jm.cfg.Progress != nil {
			jm.cfg.Progress(p.id, prog)
		}
	})

	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.running, p.id)

	job.Placed = len(res.Records)
	job.addDiagnostics(res.Diagnostics)
	switch {
	case errors.Is(err, context.Canceled):
		job.finish(JobStatusCancelled, "cancelled by user")
	case err != nil:
		job.finish(JobStatusFailed, err.Error())
	default:
		job.Progress = newJobProgress(res.Processed, res.Total)
		job.finish(JobStatusCompleted, "")
	}
	log.Printf("[JobManager] job %s %s: %d placed, %d/%d processed", job.ID, job.Status, job.Placed, res.Processed, res.Total)
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup(time.Now())
		}
	}
}

func (jm *JobManager) cleanup(now time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	deleted := 0
	for id, job := range jm.jobs {
		if job.FinishedAt != nil && now.Sub(*job.FinishedAt) > jm.cfg.Retention {
			delete(jm.jobs, id)
			deleted++
		}
	}
	if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
	return deleted
}

// Submit resolves a filter group of the view and enqueues its placement.
// Unknown groups fail immediately; genes whose tile ids cannot be decoded
// are recorded as diagnostics of the job.
func (jm *JobManager) Submit(ctx context.Context, svc *service.ViewService, filter string) (Job, error) {
	items, diags, err := svc.GroupItems(ctx, filter)
	if err != nil {
		return Job{}, err
	}
	return jm.enqueue(svc, filter, items, diags)
}

// SubmitGenes enqueues the placement of an explicit gene list.
func (jm *JobManager) SubmitGenes(svc *service.ViewService, genes []genetable.Gene) (Job, error) {
	items, diags := service.GeneItems(genes)
	return jm.enqueue(svc, "", items, diags)
}

func (jm *JobManager) enqueue(svc *service.ViewService, filter string, items []placement.Item, diags []placement.Diagnostic) (Job, error) {
	job := &Job{
		ID:        generateJobID(),
		ViewID:    svc.ID(),
		Filter:    filter,
		Status:    JobStatusQueued,
		Progress:  JobProgress{Total: len(items)},
		CreatedAt: time.Now(),
	}
	job.addDiagnostics(diags)

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return Job{}, ErrJobManagerStopped
	}
	jm.jobs[job.ID] = job

	select {
	case jm.queue <- pendingJob{id: job.ID, svc: svc, items: items}:
	default:
		job.finish(JobStatusFailed, "job queue is full; try again later")
	}
	return job.snapshot(), nil
}

// Get returns a snapshot of a job.
func (jm *JobManager) Get(id string) (Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// List returns the jobs of a view, oldest first.
func (jm *JobManager) List(viewID string) []Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if job.ViewID == viewID {
			out = append(out, job.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel attempts to cancel a queued or running job. Spans already placed
// stay placed.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if cancel, ok := jm.running[id]; ok {
		cancel()
		return true
	}

	job, ok := jm.jobs[id]
	if !ok {
		return false
	}
	if job.Status == JobStatusQueued {
		job.finish(JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
