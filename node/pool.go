package node

import (
	"sync"

	"go.uber.org/zap"

	"dagnet/logger"
	"dagnet/models"
	"dagnet/transport"
)

// validateJob carries a received event through hash/signature checking.
type validateJob struct {
	ev   *models.Event
	sess *transport.Session
}

// validatePool fans event validation out over a bounded set of workers so
// independent events hash and verify in parallel ahead of the serialized
// admission path. A panic in one job never takes the pool down.
type validatePool struct {
	jobs    chan validateJob
	wg      sync.WaitGroup
	handler func(validateJob)
}

func newValidatePool(workers, backlog int, handler func(validateJob)) *validatePool {
	p := &validatePool{
		jobs:    make(chan validateJob, backlog),
		handler: handler,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *validatePool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *validatePool) run(job validateJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error("panic validating event",
				zap.String("id", job.ev.ID), zap.Any("panic", r))
		}
	}()
	p.handler(job)
}

// submit queues a job, dropping it when the backlog is full. Dropped gossip
// is recovered by the next anti-entropy round.
func (p *validatePool) submit(job validateJob) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func (p *validatePool) close() {
	close(p.jobs)
	p.wg.Wait()
}
