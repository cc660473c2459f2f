// Package throttle implements the outbound chat pipeline: a per-channel
// priority queue with short-window text merging, sliding-window rate limits
// and 429 back-off with head-of-queue retry.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/praybot/internal/throttle")

// Discord caps message content at 2000 characters; merged payloads must
// stay within it.
const maxMergedChars = 2000

// Priority orders items within one channel queue.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Payload is one outbound message. Embed and Components are passed through
// opaque to the executor; only plain-text payloads participate in merging.
type Payload struct {
	Text       string
	Embed      any
	Components any
}

// SendOptions tune queueing behavior for a single Send.
type SendOptions struct {
	// MergeKey folds back-to-back text payloads sharing the key into one
	// message when they arrive within the merge window.
	MergeKey string
	Priority Priority
}

// Executor delivers one payload to a channel. Returning *RateLimitError
// pauses the matching limiter and retries the same item at the queue head;
// any other error rejects the item's waiters.
type Executor func(ctx context.Context, channelID string, p Payload) error

// RateLimitError reports a 429 from the chat platform.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s (global=%v)", e.RetryAfter, e.Global)
}

var (
	// ErrQueueOverflow rejects the oldest queued item when a channel queue
	// exceeds its cap.
	ErrQueueOverflow = errors.New("channel queue overflow")
	// ErrQueueDestroyed rejects all pending items on Destroy.
	ErrQueueDestroyed = errors.New("throttle queue destroyed")
)

// Completion resolves exactly once when the item is delivered or rejected.
// Merged sends share one delivery but each caller keeps its own Completion.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the outcome after Done is closed.
func (c *Completion) Err() error { return c.err }

// Wait blocks until resolution or ctx cancellation.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

// Config sets queue and limiter parameters. Zero values take defaults.
type Config struct {
	MergeWindow     time.Duration // default 300ms
	ChannelMaxQueue int           // default 100
	ChannelLimit    int           // default 5 per ChannelWindow
	ChannelWindow   time.Duration // default 5s
	GlobalLimit     int           // default 50 per GlobalWindow
	GlobalWindow    time.Duration // default 1s
}

func (c *Config) applyDefaults() {
	if c.MergeWindow <= 0 {
		c.MergeWindow = 300 * time.Millisecond
	}
	if c.ChannelMaxQueue <= 0 {
		c.ChannelMaxQueue = 100
	}
	if c.ChannelLimit <= 0 {
		c.ChannelLimit = 5
	}
	if c.ChannelWindow <= 0 {
		c.ChannelWindow = 5 * time.Second
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 50
	}
	if c.GlobalWindow <= 0 {
		c.GlobalWindow = time.Second
	}
}

type item struct {
	channelID  string
	payload    Payload
	mergeKey   string
	priority   Priority
	enqueuedAt time.Time
	// holdUntil keeps merge-keyed items parked briefly so followers can
	// fold in before dispatch.
	holdUntil time.Time
	waiters   []*Completion
}

// Queue is the egress pipeline. One dispatcher goroutine round-robins
// across channels, honoring per-channel and global limiters.
type Queue struct {
	cfg  Config
	exec Executor

	mu           sync.Mutex
	queues       map[string][]*item
	channelOrder []string
	rrIndex      int
	chanLimiters map[string]*Limiter
	destroyed    bool

	global *Limiter
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewQueue starts the dispatcher goroutine immediately.
func NewQueue(cfg Config, exec Executor) *Queue {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:          cfg,
		exec:         exec,
		queues:       make(map[string][]*item),
		chanLimiters: make(map[string]*Limiter),
		global:       NewLimiter(cfg.GlobalLimit, cfg.GlobalWindow),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Send enqueues a payload for channelID. It never blocks; the returned
// Completion resolves on delivery or rejection.
func (q *Queue) Send(channelID string, p Payload, opts SendOptions) *Completion {
	c := newCompletion()
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		c.resolve(ErrQueueDestroyed)
		return c
	}
	now := q.now()

	if q.tryMergeLocked(channelID, p, opts, c, now) {
		q.mu.Unlock()
		q.signal()
		return c
	}

	it := &item{
		channelID:  channelID,
		payload:    p,
		mergeKey:   opts.MergeKey,
		priority:   opts.Priority,
		enqueuedAt: now,
		waiters:    []*Completion{c},
	}
	if opts.MergeKey != "" {
		it.holdUntil = now.Add(q.cfg.MergeWindow)
	}

	queue := q.queues[channelID]
	if opts.Priority == PriorityHigh {
		idx := 0
		for idx < len(queue) && queue[idx].priority == PriorityHigh {
			idx++
		}
		queue = append(queue, nil)
		copy(queue[idx+1:], queue[idx:])
		queue[idx] = it
	} else {
		queue = append(queue, it)
	}

	for len(queue) > q.cfg.ChannelMaxQueue {
		oldest := 0
		for i, cand := range queue {
			if cand.enqueuedAt.Before(queue[oldest].enqueuedAt) {
				oldest = i
			}
		}
		dropped := queue[oldest]
		queue = append(queue[:oldest], queue[oldest+1:]...)
		slog.Warn("throttle queue overflow, dropping oldest", "channel", channelID, "queued", len(queue))
		for _, w := range dropped.waiters {
			w.resolve(ErrQueueOverflow)
		}
	}

	q.queues[channelID] = queue
	q.trackChannelLocked(channelID)
	q.mu.Unlock()
	q.signal()
	return c
}

// tryMergeLocked folds the payload into the newest queued item with the
// same non-empty merge key when that item is still within the merge window
// and the combined text stays within the platform cap. Only the newest
// candidate is considered: folding into an older one would reorder text.
func (q *Queue) tryMergeLocked(channelID string, p Payload, opts SendOptions, c *Completion, now time.Time) bool {
	if opts.MergeKey == "" || p.Embed != nil || p.Components != nil {
		return false
	}
	queue := q.queues[channelID]
	for i := len(queue) - 1; i >= 0; i-- {
		it := queue[i]
		if it.mergeKey != opts.MergeKey || it.payload.Embed != nil || it.payload.Components != nil {
			continue
		}
		if now.Sub(it.enqueuedAt) > q.cfg.MergeWindow {
			return false
		}
		merged := it.payload.Text + "\n" + p.Text
		if utf8.RuneCountInString(merged) > maxMergedChars {
			return false
		}
		it.payload.Text = merged
		it.waiters = append(it.waiters, c)
		if opts.Priority == PriorityHigh && it.priority != PriorityHigh {
			it.priority = PriorityHigh
			q.queues[channelID] = append([]*item{it}, append(queue[:i:i], queue[i+1:]...)...)
		}
		return true
	}
	return false
}

func (q *Queue) trackChannelLocked(channelID string) {
	for _, ch := range q.channelOrder {
		if ch == channelID {
			return
		}
	}
	q.channelOrder = append(q.channelOrder, channelID)
}

func (q *Queue) limiterFor(channelID string) *Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limiterForLocked(channelID)
}

func (q *Queue) limiterForLocked(channelID string) *Limiter {
	l, ok := q.chanLimiters[channelID]
	if !ok {
		l = NewLimiter(q.cfg.ChannelLimit, q.cfg.ChannelWindow)
		q.chanLimiters[channelID] = l
	}
	return l
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Destroy stops the dispatcher and rejects every pending item.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.rejectAll(ErrQueueDestroyed)
			return
		case <-q.wake:
		}
		if !q.drain() {
			q.rejectAll(ErrQueueDestroyed)
			return
		}
	}
}

// drain dispatches until every channel is empty or blocked. Returns false
// when the queue context was canceled.
func (q *Queue) drain() bool {
	for {
		select {
		case <-q.ctx.Done():
			return false
		default:
		}
		it, wait := q.nextItem()
		if it == nil {
			if wait <= 0 {
				return true
			}
			timer := time.NewTimer(wait)
			select {
			case <-q.ctx.Done():
				timer.Stop()
				return false
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		if err := q.global.Acquire(q.ctx); err != nil {
			q.requeueHead(it)
			return false
		}
		q.global.Record()
		q.limiterFor(it.channelID).Record()

		ctx, span := tracer.Start(q.ctx, "throttle.dispatch", trace.WithAttributes(
			attribute.String("channel.id", it.channelID),
			attribute.Int("payload.chars", len(it.payload.Text)),
		))
		err := q.exec(ctx, it.channelID, it.payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			for _, w := range it.waiters {
				w.resolve(nil)
			}
			continue
		}

		var rle *RateLimitError
		if errors.As(err, &rle) {
			if rle.Global {
				q.global.Pause(rle.RetryAfter)
			} else {
				q.limiterFor(it.channelID).Pause(rle.RetryAfter)
			}
			slog.Debug("rate limited, requeueing at head",
				"channel", it.channelID, "retry_after", rle.RetryAfter, "global", rle.Global)
			q.requeueHead(it)
			continue
		}

		for _, w := range it.waiters {
			w.resolve(err)
		}
	}
}

// nextItem pops the next dispatchable item in round-robin channel order.
// When every non-empty channel is blocked it returns (nil, shortest wait);
// when all queues are empty it returns (nil, 0).
func (q *Queue) nextItem() (*item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.channelOrder)
	if n == 0 {
		return nil, 0
	}
	now := q.now()
	minWait := time.Duration(-1)
	for i := 0; i < n; i++ {
		idx := (q.rrIndex + i) % n
		ch := q.channelOrder[idx]
		queue := q.queues[ch]
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		wait := q.limiterForLocked(ch).WaitTime()
		if hold := head.holdUntil.Sub(now); hold > wait {
			wait = hold
		}
		if wait <= 0 {
			q.queues[ch] = queue[1:]
			q.rrIndex = (idx + 1) % n
			return head, 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return nil, 0
	}
	return nil, minWait
}

// requeueHead puts a dequeued item back at the front of its channel,
// keeping its waiters so the original completions still resolve.
func (q *Queue) requeueHead(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.holdUntil = time.Time{}
	q.queues[it.channelID] = append([]*item{it}, q.queues[it.channelID]...)
}

func (q *Queue) rejectAll(err error) {
	q.mu.Lock()
	queues := q.queues
	q.queues = make(map[string][]*item)
	q.mu.Unlock()
	for _, queue := range queues {
		for _, it := range queue {
			for _, w := range it.waiters {
				w.resolve(err)
			}
		}
	}
}
