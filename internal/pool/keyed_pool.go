// Package pool provides a keyed goroutine pool: one worker per key with a bounded mailbox.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrMailboxFull = errors.New("mailbox is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// KeyedPool runs tasks for the same key one at a time, in submission order.
// Tasks for different keys run concurrently. A key's worker exits after
// IdleTimeout without work and is recreated on the next submission.
type KeyedPool struct {
	mu      sync.Mutex
	workers map[string]*keyWorker
	closed  bool
	wg      sync.WaitGroup

	mailboxSize  int
	idleTimeout  time.Duration
	panicHandler func(key string, r any)

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type keyWorker struct {
	key     string
	mailbox chan taskWrapper
	pending int // queued + running, guarded by KeyedPool.mu
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// KeyedPoolConfig configures the pool.
type KeyedPoolConfig struct {
	MailboxSize  int                     `json:"mailbox_size" yaml:"mailbox_size"`
	IdleTimeout  time.Duration           `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(key string, r any) `json:"-" yaml:"-"`
}

// DefaultKeyedPoolConfig returns sensible defaults.
func DefaultKeyedPoolConfig() KeyedPoolConfig {
	return KeyedPoolConfig{
		MailboxSize: 64,
		IdleTimeout: 60 * time.Second,
	}
}

// NewKeyedPool creates a new keyed pool.
func NewKeyedPool(config KeyedPoolConfig) *KeyedPool {
	if config.MailboxSize <= 0 {
		config.MailboxSize = 64
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	return &KeyedPool{
		workers:      make(map[string]*keyWorker),
		mailboxSize:  config.MailboxSize,
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues task on key's mailbox and returns without waiting.
// The returned channel receives the task's result.
func (p *KeyedPool) Submit(ctx context.Context, key string, task Task) (<-chan error, error) {
	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	p.submitted.Add(1)

	w, ok := p.workers[key]
	if !ok {
		w = &keyWorker{key: key, mailbox: make(chan taskWrapper, p.mailboxSize)}
		p.workers[key] = w
		p.wg.Add(1)
		go p.run(w)
	}

	// 只有 worker 会从 mailbox 取出, 所以持锁时的非阻塞发送不会与关闭竞争
	select {
	case w.mailbox <- wrapper:
		w.pending++
		return wrapper.result, nil
	default:
		p.rejected.Add(1)
		return nil, fmt.Errorf("%w: key %s", ErrMailboxFull, key)
	}
}

// Do submits task and waits for its completion.
func (p *KeyedPool) Do(ctx context.Context, key string, task Task) error {
	result, err := p.Submit(ctx, key, task)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KeyedPool) run(w *keyWorker) {
	defer p.wg.Done()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-w.mailbox:
			if !ok {
				return
			}

			err := p.executeTask(w.key, wrapper)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			wrapper.result <- err
			close(wrapper.result)

			p.mu.Lock()
			w.pending--
			p.mu.Unlock()

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			p.mu.Lock()
			if w.pending == 0 && !p.closed {
				delete(p.workers, w.key)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *KeyedPool) executeTask(key string, wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(key, r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	// 排队期间调用方已放弃
	if err := wrapper.ctx.Err(); err != nil {
		return err
	}
	return wrapper.task(wrapper.ctx)
}

// Close stops accepting tasks, lets every mailbox drain and waits for the workers.
func (p *KeyedPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *KeyedPool) Stats() KeyedPoolStats {
	p.mu.Lock()
	keys := len(p.workers)
	queued := 0
	for _, w := range p.workers {
		queued += len(w.mailbox)
	}
	p.mu.Unlock()

	return KeyedPoolStats{
		Keys:      keys,
		Queued:    queued,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// KeyedPoolStats contains pool statistics.
type KeyedPoolStats struct {
	Keys      int   `json:"keys"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
