package worker

import (
	"container/list"
	"sync"
	"time"

	"agentchat/internal/metrics"

	"github.com/rs/zerolog"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

// Dispatcher hands jobs to workers round-robin across users. A user has at most
// one job running at a time, so turns of one chat never overlap.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	logger   zerolog.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue
	ready     *list.List // LRU of user IDs with queued jobs
	positions map[int64]*list.Element
	pending   int

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, handler jobHandler, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		JobQueue:  make(chan Job, queueSize),
		logger:    logger,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, handler, d.finished)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrManagerClosed
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
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

// Close stops dispatching and retires the workers. Queued jobs are dropped.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

// CancelUser drops all queued jobs of the user and answers each with ErrJobCancelled.
// A job already running is left to finish.
func (d *Dispatcher) CancelUser(userID int64) {
	var dropped []Job
	defer func() {
		for _, job := range dropped {
			job.reject(ErrJobCancelled)
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[userID]; ok {
		dropped = q.jobs
		d.pending -= len(q.jobs)
		metrics.QueueDepth.Set(float64(d.pending))
		q.jobs = nil
		q.enqueued = false
		if !q.running {
			delete(d.queues, userID)
		}
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	metrics.QueueDepth.Set(float64(d.pending))
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the least recently served idle user to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		userID := elem.Value.(int64)
		q := d.queues[userID]
		if q.running {
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.running = true
		d.pending--
		metrics.QueueDepth.Set(float64(d.pending))
		if len(q.jobs) == 0 {
			q.enqueued = false
			d.ready.Remove(elem)
			delete(d.positions, userID)
		} else {
			d.ready.MoveToBack(elem)
		}
		d.mu.Unlock()

		workerChan, ok := d.pool.acquire()
		if !ok {
			return false
		}
		d.logger.Debug().
			Str("job", string(job.Type)).
			Int64("user_id", userID).
			Int("worker", d.pool.workerID(workerChan)).
			Msg("assign job")
		workerChan <- job
		return true
	}
	d.mu.Unlock()
	return false
}

// finished is called by a worker once a user's job is done.
func (d *Dispatcher) finished(userID int64) {
	d.mu.Lock()
	if q, ok := d.queues[userID]; ok {
		q.running = false
		if len(q.jobs) == 0 && !q.enqueued {
			delete(d.queues, userID)
		}
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
