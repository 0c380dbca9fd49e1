package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// WorkerPool runs a bounded set of goroutines processing incoming AMQP
// deliveries concurrently, so one slow statement doesn't stall the whole
// device queue's other in-flight requests.
type WorkerPool struct {
	workerCount int
	queue       chan MessageTask
	handler     *Handler
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	mutex       sync.RWMutex
}

// MessageTask is one delivery queued for a worker, carrying the channel to
// reply on and the time it was enqueued (for queue-wait logging).
type MessageTask struct {
	Channel   *amqp.Channel
	Message   amqp.Delivery
	Timestamp time.Time
}

// WorkerPoolConfig controls pool sizing. Zero values fall back to defaults.
type WorkerPoolConfig struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

// NewWorkerPool builds a pool bound to handler. Call Start to begin
// processing.
func NewWorkerPool(handler *Handler, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workerCount: config.WorkerCount,
		queue:       make(chan MessageTask, config.QueueSize),
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines. Safe to call once.
func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.started = true
	return nil
}

// Stop signals shutdown and waits up to timeout for in-flight tasks to
// finish.
func (wp *WorkerPool) Stop(timeout time.Duration) error {
	wp.mutex.Lock()
	if !wp.started {
		wp.mutex.Unlock()
		return nil
	}
	wp.mutex.Unlock()

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timeout")
	}
}

// SubmitTask enqueues task, failing fast (rather than blocking the consume
// loop) if the queue is full or the pool is shutting down.
func (wp *WorkerPool) SubmitTask(task MessageTask) error {
	wp.mutex.RLock()
	defer wp.mutex.RUnlock()

	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}

	select {
	case wp.queue <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	default:
		return fmt.Errorf("worker pool queue is full")
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-wp.queue:
			wp.processTask(id, task)
		}
	}
}

// processTask runs one delivery through the handler, recovering from any
// panic in message processing so one bad request never takes down a
// worker goroutine.
func (wp *WorkerPool) processTask(workerID int, task MessageTask) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(wp.ctx, 30*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			wp.handler.log.Error("panic recovered while processing message", zap.Int("worker", workerID), zap.Any("panic", r))
			reply := wire.Reply{Error: fmt.Sprintf("internal server error: %v", r), ErrorKind: string(errmap.KindBackendSQLError)}
			if body, err := json.Marshal(reply); err == nil {
				task.Channel.PublishWithContext(ctx, "", task.Message.ReplyTo, false, false, amqp.Publishing{
					ContentType:   "application/json",
					CorrelationId: task.Message.CorrelationId,
					Body:          body,
				})
			}
		}
	}()

	queueTime := start.Sub(task.Timestamp)
	wp.handler.log.Debug("processing message", zap.Int("worker", workerID), zap.Duration("queueTime", queueTime))

	wp.handler.handleMessage(task.Channel, task.Message)

	wp.handler.log.Debug("completed message", zap.Int("worker", workerID), zap.Duration("processingTime", time.Since(start)))
}

// GetStats reports the pool's current load, for the metrics/monitoring
// layer to sample.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mutex.RLock()
	defer wp.mutex.RUnlock()

	return WorkerPoolStats{
		WorkerCount: wp.workerCount,
		QueueSize:   cap(wp.queue),
		QueuedTasks: len(wp.queue),
		IsRunning:   wp.started && wp.ctx.Err() == nil,
	}
}

// WorkerPoolStats is a snapshot of WorkerPool.GetStats.
type WorkerPoolStats struct {
	WorkerCount int
	QueueSize   int
	QueuedTasks int
	IsRunning   bool
}
