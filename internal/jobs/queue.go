// Package jobs runs backup and restore work through a single-consumer
// FIFO queue. Exactly one job is in processing at any time; status reads
// are lock-free snapshots replaced atomically on every transition.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job kinds.
const (
	KindBackupContainer  = "backup-container"
	KindBackupStack      = "backup-stack"
	KindRestoreContainer = "restore-container"
	KindRestoreStack     = "restore-stack-into-place"
	KindRestoreClone     = "restore-clone"
)

// Job statuses. Transitions are a prefix of
// pending -> processing -> uploading? -> completed|failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusUploading  = "uploading"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one unit of queued work. Target is a container id, stack name,
// or artifact name depending on Kind.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"lastUpdated"`

	// Paths are extra absolute paths to capture (container backups).
	Paths []string `json:"paths,omitempty"`
	// Network overrides the attach network (clone restores).
	Network string `json:"network,omitempty"`
}

// RunFunc executes one job. update publishes intermediate status and
// message; the queue applies the terminal transition itself from the
// returned error.
type RunFunc func(ctx context.Context, job Job, update func(status, message string)) error

// Queue is the single-worker job queue. Jobs are process-local; state is
// lost on restart and history is read from the store instead.
type Queue struct {
	run RunFunc
	log *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	seq  int

	ch chan string
	wg sync.WaitGroup
}

func NewQueue(run RunFunc, log *slog.Logger) *Queue {
	return &Queue{
		run:  run,
		log:  log,
		jobs: make(map[string]*Job),
		ch:   make(chan string, 256),
	}
}

// Start launches the worker. It drains until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.worker(ctx)
}

// Wait blocks until the worker has exited after ctx cancellation.
func (q *Queue) Wait() { q.wg.Wait() }

// Enqueue registers a job and wakes the worker. The job is visible to
// Status and All immediately.
func (q *Queue) Enqueue(job Job) (string, error) {
	q.mu.Lock()
	q.seq++
	job.ID = fmt.Sprintf("%s-%d-%d", job.Kind, time.Now().Unix(), q.seq)
	job.Status = StatusPending
	job.LastUpdated = time.Now().UTC()
	stored := job
	q.jobs[job.ID] = &stored
	q.mu.Unlock()

	select {
	case q.ch <- job.ID:
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return "", fmt.Errorf("job queue full (%d pending)", cap(q.ch))
	}

	q.log.Info("job enqueued", "id", job.ID, "kind", job.Kind, "target", job.Target)
	return job.ID, nil
}

// Status returns a snapshot of one job.
func (q *Queue) Status(id string) (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// All returns snapshots of every job, newest first.
func (q *Queue) All() []Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		all = append(all, *j)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastUpdated.After(all[j].LastUpdated)
	})
	return all
}

// set replaces a job's status and message atomically.
func (q *Queue) set(id, status, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return
	}
	updated := *j
	updated.Status = status
	if message != "" {
		updated.Message = message
	}
	updated.LastUpdated = time.Now().UTC()
	q.jobs[id] = &updated
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			job, ok := q.Status(id)
			if !ok {
				continue
			}
			q.set(id, StatusProcessing, "")
			job.Status = StatusProcessing

			start := time.Now()
			err := q.run(ctx, job, func(status, message string) {
				q.set(id, status, message)
			})
			if err != nil {
				q.set(id, StatusFailed, err.Error())
				q.log.Error("job failed", "id", id, "kind", job.Kind, "err", err,
					"elapsed", time.Since(start).Round(time.Millisecond))
				continue
			}
			q.set(id, StatusCompleted, "")
			q.log.Info("job completed", "id", id, "kind", job.Kind,
				"elapsed", time.Since(start).Round(time.Millisecond))
		}
	}
}
