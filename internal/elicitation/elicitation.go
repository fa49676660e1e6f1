// Package elicitation implements the server-initiated mid-request input
// solicitation coordinator spec.md §4.7 describes: a pending map keyed by a
// generated request id, a priority-ordered outbound queue, timeout/retry
// recursion, and a background sweeper that cancels anything past its
// deadline. The worker/queue shape is grounded on
// scrypster-memento/internal/engine/enrichment_worker.go's
// range-over-channel worker loop, generalized from a fire-and-forget job
// queue to a request/response rendezvous keyed by UUID.
package elicitation

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority orders the outbound elicitation queue; Critical drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Action is the outcome tag carried on a synthesized timeout/cancel result,
// per spec.md §4.7's "ElicitationAction::Cancel".
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionCancel Action = "cancel"
)

// Result is what send_elicitation ultimately returns to its caller.
type Result struct {
	Action  Action
	Content map[string]any
}

var (
	ErrMaxConcurrent = errors.New("elicitation: maximum concurrent elicitations reached")
	ErrTimeout       = errors.New("elicitation: timed out")
	ErrChannelClosed = errors.New("elicitation: channel closed")
)

// OutboundRequest is pushed onto the priority queue for a transport to pick
// up and deliver to the client as an "elicitation/create" request.
type OutboundRequest struct {
	RequestID string
	ToolName  string
	Payload   any
	Priority  Priority
}

// pending tracks one in-flight elicitation awaiting a client response.
type pending struct {
	requestID  string
	toolName   string
	responseCh chan Result
	createdAt  time.Time
	deadline   time.Time
	retryCount int
	maxRetries int
}

// pqItem/priorityQueue implement container/heap for the outbound queue,
// ordered so the highest Priority (and, within a priority, the earliest
// enqueue) is popped first.
type pqItem struct {
	req   OutboundRequest
	seq   int
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority > pq[j].req.Priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Stats is a point-in-time observability snapshot, per spec.md §4.7.
type Stats struct {
	PendingCount    int
	ByTool          map[string]int
	TotalRetries    int
	OldestRequestAge time.Duration
}

// Coordinator implements send_elicitation/submit_response/the sweeper.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pending
	queue   priorityQueue
	seq     int

	maxConcurrent int // 0 means unbounded
	totalRetries  int

	outbound chan OutboundRequest
	notify   chan struct{}

	logger *zap.Logger

	sweepDone     chan struct{}
	dispatchDone  chan struct{}
	cancel        context.CancelFunc
}

// New constructs a Coordinator. maxConcurrent <= 0 means unbounded, matching
// spec.md §4.7's "unbounded in the generic coordinator" default. No
// transport in this module constructs a Coordinator; the limit is whatever
// the caller passes.
func New(maxConcurrent int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		pending:       make(map[string]*pending),
		maxConcurrent: maxConcurrent,
		outbound:      make(chan OutboundRequest, 256),
		notify:        make(chan struct{}, 1),
		logger:        logger,
	}
	heap.Init(&c.queue)
	return c
}

// Outbound returns the channel transports drain to deliver queued
// elicitation requests to clients, highest priority first.
func (c *Coordinator) Outbound() <-chan OutboundRequest {
	return c.outbound
}

// Start launches the background sweeper, ticking every interval (default 1s
// per spec.md §4.7) to cancel anything past its deadline.
func (c *Coordinator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.sweepDone = make(chan struct{})
	c.dispatchDone = make(chan struct{})
	go c.sweepLoop(ctx, interval)
	go c.dispatchLoop(ctx)
}

// dispatchLoop is the single goroutine that owns the priority queue: it
// pops the highest-priority item whenever one is available and forwards it
// to Outbound(), so concurrent Send callers never race each other's
// priority ordering the way a push-then-immediately-pop-your-own-item
// scheme would.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer close(c.dispatchDone)
	for {
		c.mu.Lock()
		for c.queue.Len() == 0 {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
			}
			c.mu.Lock()
		}
		item := heap.Pop(&c.queue).(*pqItem)
		c.mu.Unlock()

		select {
		case c.outbound <- item.req:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) wakeDispatcher() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []*pending
	for id, p := range c.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.responseCh <- Result{Action: ActionCancel}
		close(p.responseCh)
	}
}

// Stop cancels the sweeper and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sweepDone != nil {
		<-c.sweepDone
	}
	if c.dispatchDone != nil {
		<-c.dispatchDone
	}
}

func (c *Coordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send implements send_elicitation: enqueue for delivery, then await the
// response channel racing timeout, retrying up to maxRetries times on
// timeout per spec.md §4.7 step 4.
func (c *Coordinator) Send(ctx context.Context, toolName string, payload any, priority Priority, timeout time.Duration, maxRetries int) (Result, error) {
	return c.sendAttempt(ctx, toolName, payload, priority, timeout, maxRetries, 0)
}

func (c *Coordinator) sendAttempt(ctx context.Context, toolName string, payload any, priority Priority, timeout time.Duration, maxRetries, retryCount int) (Result, error) {
	requestID := uuid.NewString()

	c.mu.Lock()
	if c.maxConcurrent > 0 && len(c.pending) >= c.maxConcurrent {
		c.mu.Unlock()
		return Result{}, ErrMaxConcurrent
	}
	p := &pending{
		requestID:  requestID,
		toolName:   toolName,
		responseCh: make(chan Result, 1),
		createdAt:  time.Now(),
		deadline:   time.Now().Add(timeout),
		retryCount: retryCount,
		maxRetries: maxRetries,
	}
	c.pending[requestID] = p
	c.seq++
	heap.Push(&c.queue, &pqItem{req: OutboundRequest{RequestID: requestID, ToolName: toolName, Payload: payload, Priority: priority}, seq: c.seq})
	c.mu.Unlock()
	c.wakeDispatcher()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-p.responseCh:
		if !ok {
			return Result{}, ErrChannelClosed
		}
		return res, nil
	case <-timer.C:
		c.forget(requestID)
		if retryCount < maxRetries {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()
			return c.sendAttempt(ctx, toolName, payload, priority, timeout, maxRetries, retryCount+1)
		}
		return Result{}, ErrTimeout
	case <-ctx.Done():
		c.forget(requestID)
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) forget(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// SubmitResponse implements submit_response: deliver payload to the waiter
// registered under requestID, or drop-and-log on a miss.
func (c *Coordinator) SubmitResponse(requestID string, result Result) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping elicitation response for unknown request id", zap.String("request_id", requestID))
		return
	}
	p.responseCh <- result
	close(p.responseCh)
}

// StatsSnapshot returns observability data per spec.md §4.7.
func (c *Coordinator) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTool := make(map[string]int)
	var oldest time.Time
	for _, p := range c.pending {
		byTool[p.toolName]++
		created := p.createdAt
		if oldest.IsZero() || created.Before(oldest) {
			oldest = created
		}
	}
	var age time.Duration
	if !oldest.IsZero() {
		age = time.Since(oldest)
	}
	return Stats{
		PendingCount:     len(c.pending),
		ByTool:           byTool,
		TotalRetries:     c.totalRetries,
		OldestRequestAge: age,
	}
}
