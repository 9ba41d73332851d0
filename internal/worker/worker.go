package worker

type jobHandler func(Job)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.handler(job)
			w.pool.done(job.UserID)
			if w.pool.isClosed() {
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
