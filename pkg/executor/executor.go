// Package executor runs asynchronous units of work on a bounded set of
// goroutines and hands back promises that can be waited on.
package executor

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrRejected is returned by Execute once the pool has been closed.
var ErrRejected = errors.New("executor: task rejected, pool is closed")

// Task is a unit of work.
type Task func()

// Executor accepts tasks for asynchronous execution.
type Executor interface {
	// Execute schedules task and returns a promise for its completion.
	Execute(task Task) (*Promise, error)

	// Sync blocks until every task scheduled before the call has finished.
	Sync()
}

// Promise represents a task the executor promises to run asynchronously.
type Promise struct {
	done chan struct{}
	err  error
}

// Done provides a channel that closes on completion of the task.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the task has finished and returns the error it panicked
// with, if any.
func (p *Promise) Wait() error {
	<-p.done
	return p.err
}

type job struct {
	task    Task
	promise *Promise
}

// Pool is an Executor backed by a fixed number of workers. A Pool with a
// single worker runs tasks strictly in submission order.
type Pool struct {
	name   string
	logger *zap.Logger

	queue chan job
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	closed  bool
}

// NewPool starts a pool with the given number of workers. queue is the number
// of tasks that can be buffered before Execute blocks.
func NewPool(name string, workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		name:   name,
		logger: zap.NewNop(),
		queue:  make(chan job, queue),
		stop:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// WithLogger sets the logger used to report panicking tasks.
func (p *Pool) WithLogger(log *zap.Logger) {
	p.logger = log.With(zap.String("executor", p.name))
}

// Execute implements Executor.
func (p *Pool) Execute(task Task) (*Promise, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrRejected
	}
	p.pending++
	p.mu.Unlock()

	promise := &Promise{done: make(chan struct{})}
	p.queue <- job{task: task, promise: promise}
	return promise, nil
}

// Sync implements Executor.
func (p *Pool) Sync() {
	p.mu.Lock()
	for p.pending > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Pending returns the number of tasks queued or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Close rejects new tasks, waits for the queued ones and stops the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.Sync()
	close(p.stop)
	p.wg.Wait()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.queue:
			p.run(j)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			j.promise.err = fmt.Errorf("executor: task panicked: %v", r)
			p.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		close(j.promise.done)

		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}()
	j.task()
}
