package worker

type jobHandler interface {
	handle(job Job)
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	handler    jobHandler
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, handler jobHandler) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		handler:    handler,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				debugLog("worker stopping", "worker_id", w.id)
				w.pool.retire(w.jobChannel)
				return
			}
			w.handler.handle(job)
			if job.done != nil {
				job.done()
			}
			if !w.pool.Release(w.jobChannel) {
				debugLog("worker pool closed", "worker_id", w.id)
				return
			}
		}
	}()
}
