package deliver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guarzo/eve-killwatch/internal/profile"
)

// queueCapacity bounds each profile's pending notifications.
const queueCapacity = 100

// Stats is a snapshot for the status endpoint.
type Stats struct {
	QueueDepth int    `json:"queue_depth"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Dropped    int64  `json:"dropped"`
	Breaker    string `json:"breaker"`
}

// Deliverer owns one profile's outbound path: a bounded queue drained by a
// single goroutine, so messages reach the webhook in order.
type Deliverer struct {
	log     *logrus.Logger
	name    string
	rollup  profile.RateLimitStrategy
	retries profile.Delivery

	sender  *WebhookSender
	queue   *Queue
	breaker *Breaker
	wake    chan struct{}

	sent   atomic.Int64
	failed atomic.Int64
}

// New builds a deliverer for one profile. Breaker options override the
// delivery defaults, mainly for tests.
func New(log *logrus.Logger, prof *profile.Profile, sender *WebhookSender, breakerOpts ...BreakerOption) *Deliverer {
	return &Deliverer{
		log:     log,
		name:    prof.Name,
		rollup:  prof.RateLimit,
		retries: prof.Delivery,
		sender:  sender,
		queue:   NewQueue(queueCapacity),
		breaker: NewBreaker(breakerOpts...),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue queues one notification. It never blocks; a full queue evicts
// its oldest entry.
func (d *Deliverer) Enqueue(it *Item) {
	if evicted := d.queue.Push(it); evicted != nil {
		d.log.Warnf("[%s] queue full, dropping oldest notification (kill %d)",
			d.name, evicted.Kill.KillmailID)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx ends. It is the only consumer; ordering
// per webhook is preserved.
func (d *Deliverer) Run(ctx context.Context) {
	// The ticker covers breaker probes and any wake signal lost while a
	// previous drain was in flight.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

func (d *Deliverer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if d.breaker.State() == BreakerOpen {
			if !d.breaker.AllowProbe() {
				return
			}
			d.probe(ctx)
			if d.breaker.State() == BreakerOpen {
				return
			}
			continue
		}

		depth := d.queue.Len()
		if depth == 0 {
			return
		}
		if depth > d.rollup.RollupThreshold {
			items := d.queue.PopN(d.rollup.MaxRollupKills)
			d.log.Infof("[%s] rolling up %d queued kills", d.name, len(items))
			d.deliver(ctx, WebhookBody{Embeds: []DiscordEmbed{RenderRollup(items)}}, len(items))
			continue
		}
		it, ok := d.queue.Pop()
		if !ok {
			return
		}
		d.deliver(ctx, WebhookBody{Embeds: []DiscordEmbed{RenderKill(it)}}, 1)
	}
}

// deliver sends one payload with the profile's retry budget. 429 backoffs
// consume neither attempts nor breaker counts.
func (d *Deliverer) deliver(ctx context.Context, body WebhookBody, count int) {
	attempts := 0
	for ctx.Err() == nil {
		err := d.sender.Send(ctx, body)
		if err == nil {
			d.breaker.RecordSuccess()
			d.sent.Add(int64(count))
			return
		}
		if errors.Is(err, ErrRateLimited) {
			backoff := time.Duration(d.rollup.BackoffSeconds) * time.Second
			d.log.Warnf("[%s] webhook rate limited, backing off %s", d.name, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		d.breaker.RecordFailure()
		attempts++
		if attempts >= d.retries.MaxAttempts {
			d.failed.Add(int64(count))
			d.log.Warnf("[%s] dropping notification after %d attempts: %v", d.name, attempts, err)
			if d.breaker.State() == BreakerOpen {
				d.log.Warnf("[%s] circuit open for %s, queueing until the webhook recovers",
					d.name, d.sender.Target())
			}
			return
		}
		if !sleepCtx(ctx, time.Duration(d.retries.RetryDelaySeconds)*time.Second) {
			return
		}
	}
}

// probe sends the oldest queued entry once. Success closes the circuit and
// the regular drain resumes; failure leaves the entry queued for the next
// probe window.
func (d *Deliverer) probe(ctx context.Context) {
	it, ok := d.queue.Peek()
	if !ok {
		return
	}
	err := d.sender.Send(ctx, WebhookBody{Embeds: []DiscordEmbed{RenderKill(it)}})
	if err == nil {
		d.breaker.RecordSuccess()
		d.queue.Pop()
		d.sent.Add(1)
		d.log.Infof("[%s] webhook recovered, resuming deliveries", d.name)
		return
	}
	if errors.Is(err, ErrRateLimited) {
		return
	}
	d.breaker.RecordFailure()
	d.log.Debugf("[%s] probe failed: %v", d.name, err)
}

// Stats snapshots the deliverer for the status endpoint.
func (d *Deliverer) Stats() Stats {
	return Stats{
		QueueDepth: d.queue.Len(),
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.queue.Dropped(),
		Breaker:    d.breaker.State().String(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
