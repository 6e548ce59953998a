package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

// Queue is a bounded job queue drained by a fixed pool of workers. Each
// job runs on exactly one worker.
type Queue struct {
	jobs    chan Job
	workers int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue adds a job without blocking. It reports false when the queue is
// full or stopped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Start() {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker()
		}()
	}
}

func (q *Queue) worker() {
	for job := range q.jobs {
		if err := job.Run(); err != nil {
			if job.OnFail != nil {
				job.OnFail(err)
			}
		}
	}
}

// Stop refuses new jobs, lets the workers drain what is queued and waits
// for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
