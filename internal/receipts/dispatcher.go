package receipts

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultWorkers      = 2
	defaultAttempts     = 3
	defaultEmailTimeout = 10 * time.Second
	defaultBackoff      = 2 * time.Second
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("email dispatcher closed")

// Sender delivers a rendered HTML email.
type Sender interface {
	Send(ctx context.Context, recipient string, subject string, html string) error
}

// EmailJob is one receipt email.
type EmailJob struct {
	ReceiptID string
	Recipient string
	Subject   string
	HTML      string
}

// DispatcherConfig bounds the email worker pool.
type DispatcherConfig struct {
	QueueSize int
	Workers   int
	Attempts  int
	Timeout   time.Duration
	Backoff   time.Duration
}

// Dispatcher sends receipt emails off the request path.
type Dispatcher struct {
	sender  Sender
	tracker EmailTracker
	config  DispatcherConfig
	logger  *zap.Logger
	nowFn   func() time.Time
	jobs    chan EmailJob

	mutex   sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

// NewDispatcher builds a dispatcher; call Start to launch the workers.
func NewDispatcher(sender Sender, tracker EmailTracker, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.Attempts <= 0 {
		config.Attempts = defaultAttempts
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultEmailTimeout
	}
	if config.Backoff == 0 {
		config.Backoff = defaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:  sender,
		tracker: tracker,
		config:  config,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
		jobs:    make(chan EmailJob, config.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is done or Close is called.
func (dispatcher *Dispatcher) Start(ctx context.Context) {
	for index := 0; index < dispatcher.config.Workers; index++ {
		dispatcher.workers.Add(1)
		go func() {
			defer dispatcher.workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-dispatcher.jobs:
					if !ok {
						return
					}
					dispatcher.deliverWithRetry(ctx, job)
				}
			}
		}()
	}
}

// Enqueue hands a job to the workers without blocking. A full queue drops the job.
func (dispatcher *Dispatcher) Enqueue(job EmailJob) error {
	dispatcher.mutex.RLock()
	defer dispatcher.mutex.RUnlock()
	if dispatcher.closed {
		return ErrDispatcherClosed
	}
	select {
	case dispatcher.jobs <- job:
		return nil
	default:
		dispatcher.logger.Warn("receipt email queue full, dropping job", zap.String("receipt_id", job.ReceiptID))
		return nil
	}
}

// SendNow performs a single tracked delivery attempt on the caller's goroutine.
func (dispatcher *Dispatcher) SendNow(ctx context.Context, job EmailJob) error {
	return dispatcher.attempt(ctx, job)
}

// Close stops accepting jobs and waits for in-flight deliveries.
func (dispatcher *Dispatcher) Close() {
	dispatcher.mutex.Lock()
	if !dispatcher.closed {
		dispatcher.closed = true
		close(dispatcher.jobs)
	}
	dispatcher.mutex.Unlock()
	dispatcher.workers.Wait()
}

func (dispatcher *Dispatcher) deliverWithRetry(ctx context.Context, job EmailJob) {
	for attemptNumber := 1; attemptNumber <= dispatcher.config.Attempts; attemptNumber++ {
		err := dispatcher.attempt(ctx, job)
		if err == nil {
			return
		}
		dispatcher.logger.Warn("receipt email attempt failed",
			zap.String("receipt_id", job.ReceiptID),
			zap.Int("attempt", attemptNumber),
			zap.Error(err),
		)
		if attemptNumber == dispatcher.config.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(dispatcher.config.Backoff * time.Duration(attemptNumber)):
		}
	}
	dispatcher.logger.Error("receipt email undeliverable", zap.String("receipt_id", job.ReceiptID))
}

func (dispatcher *Dispatcher) attempt(ctx context.Context, job EmailJob) error {
	trackCtx := context.WithoutCancel(ctx)
	if err := dispatcher.tracker.MarkEmailSent(trackCtx, job.ReceiptID, dispatcher.nowFn()); err != nil {
		dispatcher.logger.Warn("record email hand-off failed", zap.String("receipt_id", job.ReceiptID), zap.Error(err))
	}
	sendCtx, cancel := context.WithTimeout(ctx, dispatcher.config.Timeout)
	defer cancel()
	sendErr := dispatcher.sender.Send(sendCtx, job.Recipient, job.Subject, job.HTML)
	if sendErr != nil {
		if err := dispatcher.tracker.RecordEmailFailure(trackCtx, job.ReceiptID, sendErr.Error()); err != nil {
			dispatcher.logger.Warn("record email failure failed", zap.String("receipt_id", job.ReceiptID), zap.Error(err))
		}
		return sendErr
	}
	if err := dispatcher.tracker.MarkEmailDelivered(trackCtx, job.ReceiptID, dispatcher.nowFn()); err != nil {
		dispatcher.logger.Warn("record email delivery failed", zap.String("receipt_id", job.ReceiptID), zap.Error(err))
	}
	return nil
}
