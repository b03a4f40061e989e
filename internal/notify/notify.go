// Package notify delivers license emails without blocking the caller.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"auto-focus.app/licensing/internal/email"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/metrics"
	"go.uber.org/atomic"
)

var (
	ErrQueueFull     = errors.New("notification queue full")
	ErrClosed        = errors.New("notification dispatcher closed")
	ErrEmptyReceiver = errors.New("notification recipient is empty")
)

// Dispatcher enqueues an email. Enqueue never waits for delivery and a nil
// error only means the message was accepted.
type Dispatcher interface {
	Enqueue(ctx context.Context, recipientEmail, templateName string, data TemplateData) error
}

type job struct {
	to       string
	template string
	data     TemplateData
}

type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// QueueDispatcher renders templates and hands them to an email.Sender from a
// fixed pool of workers reading a bounded queue.
type QueueDispatcher struct {
	sender      email.Sender
	templates   *Templates
	queue       chan job
	sendTimeout time.Duration
	done        chan struct{}
	// mu orders sends on queue against its close.
	mu     sync.RWMutex
	closed atomic.Bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

type Options struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

func NewQueueDispatcher(sender email.Sender, templates *Templates, opts Options) *QueueDispatcher {
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}

	d := &QueueDispatcher{
		sender:      sender,
		templates:   templates,
		queue:       make(chan job, opts.QueueSize),
		sendTimeout: opts.SendTimeout,
		done:        make(chan struct{}),
	}

	finished := make(chan struct{}, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go func() {
			d.work()
			finished <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < opts.Workers; i++ {
			<-finished
		}
		close(d.done)
	}()

	return d
}

func (d *QueueDispatcher) Enqueue(ctx context.Context, recipientEmail, templateName string, data TemplateData) error {
	if recipientEmail == "" {
		return ErrEmptyReceiver
	}
	if !d.templates.Has(templateName) {
		return &UnknownTemplateError{Name: templateName}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- job{to: recipientEmail, template: templateName, data: data}:
		return nil
	default:
		d.dropped.Inc()
		metrics.Notifications.WithLabelValues(templateName, "dropped").Inc()
		return ErrQueueFull
	}
}

func (d *QueueDispatcher) work() {
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *QueueDispatcher) deliver(j job) {
	msg, err := d.templates.Render(j.template, j.to, j.data)
	if err != nil {
		d.failed.Inc()
		metrics.Notifications.WithLabelValues(j.template, "failed").Inc()
		logger.Error("Failed to render notification", map[string]interface{}{
			"template": j.template,
			"email":    j.to,
			"error":    err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, msg); err != nil {
		d.failed.Inc()
		metrics.Notifications.WithLabelValues(j.template, "failed").Inc()
		logger.Error("Failed to send license email", map[string]interface{}{
			"template": j.template,
			"email":    j.to,
			"error":    err.Error(),
		})
		return
	}

	d.sent.Inc()
	metrics.Notifications.WithLabelValues(j.template, "sent").Inc()
	logger.Info("License email sent successfully", map[string]interface{}{
		"template": j.template,
		"email":    j.to,
	})
}

// Close stops accepting work and waits for queued emails until ctx is done.
func (d *QueueDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed.Swap(true) {
		d.mu.Unlock()
		return nil
	}
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *QueueDispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
