package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDispatcherBusy is returned by Submit when the queue is full.
	ErrDispatcherBusy   = errors.New("dispatcher queue full")
	ErrDispatcherClosed = errors.New("dispatcher stopped")
	// ErrJobCanceled is delivered to queued jobs dropped by CancelUser.
	ErrJobCanceled = errors.New("job canceled")
)

const defaultQueueSize = 64

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to pool workers round-robin across users, keeping at most
// one job per user in flight so a user's sends run in submission order.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	limit    int

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element
	running   map[int64]bool
	queued    int
	stopped   bool

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig, handler jobHandler) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, handler),
		JobQueue:  make(chan Job, cfg.QueueSize),
		limit:     cfg.QueueSize,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		running:   make(map[int64]bool),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherClosed
	}
	if d.queued >= d.limit {
		return ErrDispatcherBusy
	}
	d.queued++
	// never blocks: the channel holds at most queued jobs
	d.JobQueue <- job
	return nil
}

func (d *Dispatcher) run() {
	defer d.pool.close()
	for {
		// dispatch one job of the first idle user in the LRU queue
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

// Stop ends dispatching. Queued jobs are failed with ErrDispatcherClosed.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.quit)
		var dropped []Job
		for _, q := range d.queues {
			dropped = append(dropped, q.jobs...)
		}
		d.queues = make(map[int64]*userQueue)
		d.ready.Init()
		d.positions = make(map[int64]*list.Element)
		d.mu.Unlock()
		for {
			select {
			case job := <-d.JobQueue:
				dropped = append(dropped, job)
				continue
			default:
			}
			break
		}
		for _, job := range dropped {
			job.fail(ErrDispatcherClosed)
		}
	})
}

// CancelUser drops the user's queued jobs and returns how many were dropped.
// A job already running is left to finish.
func (d *Dispatcher) CancelUser(userID int64) int {
	d.mu.Lock()
	q := d.queues[userID]
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		d.queued -= len(dropped)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.fail(ErrJobCanceled)
	}
	return len(dropped)
}

// Queued returns the number of accepted jobs not yet handed to a worker.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.UserID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		job.fail(ErrDispatcherClosed)
		return
	}
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already enqueued, skip
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne takes the next job of the first user without a running job and hands it to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	var (
		job   Job
		found bool
	)
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		userID := elem.Value.(int64)
		if d.running[userID] {
			continue
		}
		q := d.queues[userID]
		job = q.jobs[0]
		q.jobs = q.jobs[1:]
		if len(q.jobs) == 0 {
			// user's last job is being handled, user quits the queue
			d.ready.Remove(elem)
			delete(d.positions, userID)
			delete(d.queues, userID)
		} else {
			d.ready.MoveToBack(elem)
		}
		d.running[userID] = true
		d.queued--
		found = true
		break
	}
	d.mu.Unlock()
	if !found {
		return false
	}

	userID := job.UserID
	job.done = func() { d.finish(userID) }
	workerChan := d.pool.acquire()
	debugLog("dispatcher assigned job", "job_type", job.Type, "user_id", userID, "worker_id", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) finish(userID int64) {
	d.mu.Lock()
	delete(d.running, userID)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
