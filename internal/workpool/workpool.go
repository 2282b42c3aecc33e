// Package workpool runs independent I/O-bound jobs across a small fixed
// set of goroutines. It is the concurrency primitive behind the Page
// Manager's multi-position disk fan-in (spec.md §4.2), adapted from
// friggdb's pool.Pool: the job
// queue, worker fan-out, and queue-depth metric are kept, but results
// are plain errors instead of proto.Message since this repository never
// needs a first-match short circuit.
package workpool

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvtier",
		Name:      "workpool_queue_length",
		Help:      "Current number of queued jobs across all workpools.",
	})
)

// JobFunc performs one unit of work and returns an error on failure.
type JobFunc func(payload interface{}) error

type job struct {
	payload interface{}
	fn      JobFunc
	wg      *sync.WaitGroup
	errs    *errCollector
}

type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errCollector) add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *errCollector) combined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("workpool: %d job(s) failed, first: %w", len(c.errs), c.errs[0])
}

// Pool is a bounded set of worker goroutines draining a shared queue.
type Pool struct {
	queueDepth int
	queue      chan *job
	size       *atomic.Int32
}

// New starts a pool with workers goroutines and room for queueDepth
// queued jobs. workers and queueDepth both default to a small positive
// value if given as zero.
func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}

	p := &Pool{
		queueDepth: queueDepth,
		queue:      make(chan *job, queueDepth),
		size:       atomic.NewInt32(0),
	}

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// RunAll submits one job per payload and blocks until every job has
// completed, returning a combined error if any job failed.
func (p *Pool) RunAll(payloads []interface{}, fn JobFunc) error {
	if len(payloads) == 0 {
		return nil
	}

	if int(p.size.Load())+len(payloads) > p.queueDepth {
		return fmt.Errorf("workpool: queue has no room for %d jobs", len(payloads))
	}

	wg := &sync.WaitGroup{}
	wg.Add(len(payloads))
	errs := &errCollector{}

	for _, payload := range payloads {
		j := &job{payload: payload, fn: fn, wg: wg, errs: errs}
		p.queue <- j
		p.size.Inc()
		metricQueueLength.Set(float64(p.size.Load()))
	}

	wg.Wait()
	return errs.combined()
}

func (p *Pool) worker() {
	for j := range p.queue {
		p.size.Dec()
		metricQueueLength.Set(float64(p.size.Load()))

		err := j.fn(j.payload)
		j.errs.add(err)
		j.wg.Done()
	}
}

// Shutdown stops accepting new work. In-flight jobs already queued are
// still drained by the workers.
func (p *Pool) Shutdown() {
	close(p.queue)
}
