// Package events fans out Processor job lifecycle events to "/jobs/events"
// WebSocket subscribers. Unlike the teacher's pkg/events, there is no
// Postgres NOTIFY/LISTEN distribution layer behind it — a single engine
// process owns the Processor, so the Bus only needs to manage in-process
// WebSocket connections and broadcast to them.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/processor"
)

var _ processor.EventPublisher = (*Bus)(nil)

// writeTimeout bounds how long a single subscriber's writer goroutine may
// block on a send. A subscriber that cannot keep up within this window is
// treated as dead.
const writeTimeout = 5 * time.Second

// outboundBufferSize bounds how many unsent frames a subscriber may queue
// before it is considered slow and dropped. Modeled on the bounded,
// drop-on-overflow subscriber channel in jatniel-synthezia's
// sessionBroadcaster (internal/transcription/live_service.go).
const outboundBufferSize = 32

// JobSummary is the subset of a Job's fields that ever crosses the wire.
// Bulk text (InputText, OutputText, RawResponse) never leaves the process —
// job events carry only summary fields, per the "small frames" contract.
type JobSummary struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Provider     string    `json:"provider"`
	SubmissionID string    `json:"submissionId,omitempty"`
	ModelUsed    string    `json:"modelUsed,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func summarize(j *models.Job) JobSummary {
	return JobSummary{
		ID:           j.ID,
		Type:         string(j.Type),
		Status:       string(j.Status),
		Provider:     j.Provider,
		SubmissionID: j.SubmissionID,
		ModelUsed:    j.ModelUsed,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
	}
}

// Bus fans out job lifecycle frames to every subscribed "/jobs/events"
// connection. It never blocks a producer: a slow or dead subscriber is
// pruned rather than allowed to stall the Processor.
type Bus struct {
	jobs *jobregistry.Registry

	initialStateJobCount int

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	log *slog.Logger
}

// subscriber owns a bounded outbound queue drained by a dedicated writer
// goroutine, so a producer (broadcast) never calls conn.Write directly and
// can never be stalled by a slow reader on the other end of the socket.
type subscriber struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
}

// Config configures a Bus. InitialStateJobCount defaults to 50 when zero.
type Config struct {
	Jobs                 *jobregistry.Registry
	InitialStateJobCount int
	Log                  *slog.Logger
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	n := cfg.InitialStateJobCount
	if n <= 0 {
		n = 50
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		jobs:                 cfg.Jobs,
		initialStateJobCount: n,
		subscribers:          make(map[string]*subscriber),
		log:                  log,
	}
}

// SubscriberCount reports the number of live "/jobs/events" connections.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// HandleConnection registers conn as a subscriber, sends the initial_state
// frame, and blocks (reading and discarding inbound frames, since none are
// expected on this socket) until the connection closes.
func (b *Bus) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sub := &subscriber{id: id, conn: conn, ctx: ctx, cancel: cancel, out: make(chan []byte, outboundBufferSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}()

	go b.writeLoop(sub)

	b.sendInitialState(ctx, sub)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// writeLoop drains sub.out and is the only goroutine that ever calls
// sub.conn.Write. It exits (and cancels the subscriber) on the first write
// error or once the subscriber's context is done.
func (b *Bus) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case data := <-sub.out:
			wctx, cancel := context.WithTimeout(sub.ctx, writeTimeout)
			err := sub.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				b.log.Warn("pruning dead job-events subscriber", "subscriber", sub.id, "error", err)
				sub.cancel()
				sub.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (b *Bus) sendInitialState(ctx context.Context, sub *subscriber) {
	var jobs []models.Job
	if b.jobs != nil {
		var err error
		jobs, err = b.jobs.ListRecent(ctx, b.initialStateJobCount)
		if err != nil {
			b.log.Error("failed to list recent jobs for initial_state", "error", err)
		}
	}
	summaries := make([]JobSummary, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, summarize(&jobs[i]))
	}

	status := models.QueueStatus{}
	if b.jobs != nil {
		if s, err := b.jobs.QueueStatus(ctx); err == nil {
			status = s
		} else {
			b.log.Error("failed to load queue status for initial_state", "error", err)
		}
	}

	b.sendTo(sub, map[string]any{
		"type":   "initial_state",
		"jobs":   summaries,
		"status": status,
	})
}

// JobCreated implements processor.EventPublisher.
func (b *Bus) JobCreated(j *models.Job) {
	b.broadcast(map[string]any{
		"type": "job_created",
		"job":  summarize(j),
	})
}

// JobClaimed implements processor.EventPublisher.
func (b *Bus) JobClaimed(j *models.Job) {
	b.broadcast(map[string]any{
		"type":      "job_claimed",
		"jobId":     j.ID,
		"jobType":   j.Type,
		"provider":  j.Provider,
		"startedAt": j.StartedAt,
	})
}

// JobProgress implements processor.EventPublisher.
func (b *Bus) JobProgress(jobID int64, tokenCount int, elapsedMs int64) {
	b.broadcast(map[string]any{
		"type":       "job_progress",
		"jobId":      jobID,
		"tokenCount": tokenCount,
		"elapsedMs":  elapsedMs,
	})
}

// JobCompleted implements processor.EventPublisher.
func (b *Bus) JobCompleted(j *models.Job) {
	b.broadcast(map[string]any{
		"type":             "job_completed",
		"jobId":             j.ID,
		"processingTimeMs": j.ProcessingTimeMs,
		"confidence":       j.Confidence,
		"completedAt":      j.CompletedAt,
	})
	b.broadcastQueueStatus()
}

// JobFailed implements processor.EventPublisher.
func (b *Bus) JobFailed(j *models.Job) {
	b.broadcast(map[string]any{
		"type":         "job_failed",
		"jobId":        j.ID,
		"errorMessage": j.ErrorMessage,
		"failedAt":     j.CompletedAt,
	})
	b.broadcastQueueStatus()
}

func (b *Bus) broadcastQueueStatus() {
	if b.jobs == nil {
		return
	}
	status, err := b.jobs.QueueStatus(context.Background())
	if err != nil {
		b.log.Error("failed to load queue status", "error", err)
		return
	}
	b.broadcast(map[string]any{
		"type":   "queue_status",
		"status": status,
	})
}

// broadcast enqueues v for every current subscriber and returns immediately.
// It never calls conn.Write itself and never blocks on a slow subscriber: a
// subscriber whose outbound queue is already full is dropped and closed
// rather than allowed to stall this call (and, through it, the Processor
// goroutine that triggers these events). Modeled on jatniel-synthezia's
// sessionBroadcaster.broadcast (internal/transcription/live_service.go).
func (b *Bus) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("failed to marshal event", "error", err)
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.enqueue(s, data)
	}
}

func (b *Bus) sendTo(sub *subscriber, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("failed to marshal event", "error", err)
		return
	}
	b.enqueue(sub, data)
}

// enqueue hands data to sub's writer goroutine without blocking. If the
// subscriber's bounded queue is already full it is treated as slow and
// dropped-and-closed rather than buffered further or written to inline.
func (b *Bus) enqueue(sub *subscriber, data []byte) {
	select {
	case <-sub.ctx.Done():
	case sub.out <- data:
	default:
		b.log.Warn("dropping slow job-events subscriber", "subscriber", sub.id)
		sub.cancel()
		sub.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}
