// Package stream implements the StreamHub (spec.md §4.7): the broadcaster/
// viewer WebSocket multiplexer that relays live audio to an upstream
// speech-to-text relay, accumulates transcript segments into persisted
// chunks, schedules chunk analysis, and fans out live events with replay
// for newly joined viewers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/scribeframe/engine/pkg/chunks"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/provider"
	"github.com/scribeframe/engine/pkg/submissions"
)

// sendTimeout bounds how long a single connection's writer goroutine may
// block on a send.
const sendTimeout = 5 * time.Second

// outboundBufferSize bounds how many unsent frames a connection may queue
// before it is considered slow and dropped. Modeled on the bounded,
// drop-on-overflow subscriber channel in jatniel-synthezia's
// sessionBroadcaster (internal/transcription/live_service.go).
const outboundBufferSize = 32

// outbox owns a connection's bounded outbound queue, drained by a dedicated
// writer goroutine. Producers (broadcastToViewers, broadcastToAll, sendTo)
// only ever enqueue; they never call conn.Write themselves, so a slow
// broadcaster or viewer socket can never stall the caller — including the
// Processor goroutine that delivers chunk_analyzed results.
type outbox struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
}

func newOutbox(parent context.Context, conn *websocket.Conn) *outbox {
	ctx, cancel := context.WithCancel(parent)
	return &outbox{conn: conn, ctx: ctx, cancel: cancel, out: make(chan []byte, outboundBufferSize)}
}

// runWriter drains ob.out until the connection's context is cancelled or a
// write fails. It is the only goroutine that ever calls ob.conn.Write.
func (h *Hub) runWriter(ob *outbox, label string) {
	for {
		select {
		case <-ob.ctx.Done():
			return
		case data := <-ob.out:
			wctx, cancel := context.WithTimeout(ob.ctx, sendTimeout)
			err := ob.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Warn("pruning dead "+label, "error", err)
				ob.cancel()
				ob.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// enqueue hands data to ob's writer goroutine without blocking. If the
// connection's queue is already full it is treated as a slow consumer and
// dropped: the connection is closed so its read loop unwinds and cleans up.
func (h *Hub) enqueue(ob *outbox, data []byte, label string) {
	select {
	case <-ob.ctx.Done():
	case ob.out <- data:
	default:
		h.log.Warn("dropping slow " + label)
		ob.cancel()
		ob.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// Config configures a Hub.
type Config struct {
	Submissions         *submissions.Registry
	Chunks              *chunks.Registry
	Jobs                *jobregistry.Registry
	STT                 STTClient
	UploadsDir          string
	Provider            string // provider tag used for scheduled analyze_chunk jobs
	MaxViewers          int
	MinWordsForAnalysis int
	UtteranceEndMs      int
	SampleRateHz        int
	StatusDebounce      time.Duration
	Log                 *slog.Logger
}

// Hub is the StreamHub: one broadcaster slot, a bounded set of viewers.
type Hub struct {
	subs   *submissions.Registry
	chunks *chunks.Registry
	jobs   *jobregistry.Registry
	stt    STTClient

	uploadsDir     string
	providerTag    string
	maxViewers     int
	minWords       int
	utteranceEndMs int
	sampleRateHz   int
	statusDebounce time.Duration
	log            *slog.Logger

	mu          sync.Mutex
	broadcaster *broadcasterState
	viewers     map[string]*viewer

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New constructs a Hub in the NoBroadcaster state.
func New(cfg Config) *Hub {
	maxViewers := cfg.MaxViewers
	if maxViewers <= 0 {
		maxViewers = 50
	}
	sampleRate := cfg.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	utteranceEndMs := cfg.UtteranceEndMs
	if utteranceEndMs <= 0 {
		utteranceEndMs = 1500
	}
	debounce := cfg.StatusDebounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:           cfg.Submissions,
		chunks:         cfg.Chunks,
		jobs:           cfg.Jobs,
		stt:            cfg.STT,
		uploadsDir:     cfg.UploadsDir,
		providerTag:    cfg.Provider,
		maxViewers:     maxViewers,
		minWords:       cfg.MinWordsForAnalysis,
		utteranceEndMs: utteranceEndMs,
		sampleRateHz:   sampleRate,
		statusDebounce: debounce,
		log:            log,
		viewers:        make(map[string]*viewer),
	}
}

// ViewerCount reports the current number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// IsLive reports whether a broadcaster is authenticated and its STT
// connection is up.
func (h *Hub) IsLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broadcaster != nil && h.broadcaster.sttConnected()
}

type viewer struct {
	id string
	ob *outbox
}

// broadcasterState is the live state of the single active broadcaster.
type broadcasterState struct {
	ob *outbox

	submissionID string
	session      *models.StreamSession
	sink         *wavSink
	stt          STTConn

	mu               sync.Mutex
	accumulator      []Segment
	utteranceStartMs int64
	nextChunkIndex   int
	connected        bool
}

func (bs *broadcasterState) sttConnected() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.connected
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleBroadcaster runs the broadcaster connection's lifecycle to
// completion: authorization, session bring-up, audio/control relay, and
// finalization on stop or disconnect. remoteAddr is the socket's observed
// peer address, used for the loopback-only authorization rule.
func (h *Hub) HandleBroadcaster(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	if !isLoopback(remoteAddr) {
		h.sendAndClose(conn, map[string]any{"type": "error", "message": "broadcaster must connect from a loopback address"}, websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	h.mu.Lock()
	if h.broadcaster != nil {
		h.mu.Unlock()
		h.sendAndClose(conn, map[string]any{"type": "error", "message": "a broadcaster is already live"}, websocket.StatusPolicyViolation, "broadcaster busy")
		return
	}
	h.mu.Unlock()

	bs, err := h.startSession(ctx, conn)
	if err != nil {
		h.log.Error("failed to start stream session", "error", err)
		h.sendAndClose(conn, map[string]any{"type": "error", "message": "failed to start session"}, websocket.StatusInternalError, "session start failed")
		return
	}

	h.mu.Lock()
	h.broadcaster = bs
	h.mu.Unlock()

	go h.runWriter(bs.ob, "broadcaster")

	h.sendTo(bs.ob, map[string]any{"type": "auth_success"})
	h.broadcastToViewers(map[string]any{"type": "session_started"})
	h.broadcastToViewers(map[string]any{
		"type":         "session_created",
		"sessionId":    bs.session.ID,
		"submissionId": bs.submissionID,
	})
	h.scheduleStatusBroadcast()

	defer h.finalize(ctx, bs)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			h.relayAudio(bs, data)
			continue
		}

		var ctrl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		switch ctrl.Type {
		case "stop":
			return
		case "auth":
			// Auto-authenticated on connect; explicit auth frames are a no-op.
		}
	}
}

func (h *Hub) startSession(ctx context.Context, conn *websocket.Conn) (*broadcasterState, error) {
	sessionID := uuid.New().String()
	audioPath := filepath.Join(h.uploadsDir, sessionID+".wav")

	sink, err := openWAVSink(audioPath, h.sampleRateHz)
	if err != nil {
		return nil, fmt.Errorf("open audio sink: %w", err)
	}

	sub, err := h.subs.Create(ctx, submissions.CreateParams{
		Kind:         models.SubmissionKindStream,
		OriginalName: "live-" + sessionID,
		FilePath:     audioPath,
		Provider:     h.providerTag,
	})
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("create stream submission: %w", err)
	}

	session, err := h.chunks.CreateSession(ctx, sessionID, sub.ID, "")
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("create stream session: %w", err)
	}

	bs := &broadcasterState{
		ob:           newOutbox(ctx, conn),
		submissionID: sub.ID,
		session:      session,
		sink:         sink,
	}

	sttConn, err := h.stt.Open(ctx, STTOptions{
		Diarization:    true,
		UtteranceEndMs: h.utteranceEndMs,
		SampleRateHz:   h.sampleRateHz,
	}, &hubSTTSink{h: h, ctx: ctx, bs: bs})
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("open STT relay: %w", err)
	}
	bs.stt = sttConn
	bs.connected = true

	return bs, nil
}

func (h *Hub) relayAudio(bs *broadcasterState, pcm []byte) {
	if err := bs.sink.Append(pcm); err != nil {
		h.log.Warn("audio sink write failed", "error", err)
	}
	if err := bs.stt.WriteAudio(pcm); err != nil {
		h.log.Warn("STT relay write failed", "error", err)
	}
}

// finalize collapses any remaining accumulated segments, closes the audio
// sink, finalizes the submission/session, and clears the broadcaster slot.
func (h *Hub) finalize(ctx context.Context, bs *broadcasterState) {
	bs.mu.Lock()
	remaining := bs.accumulator
	bs.accumulator = nil
	startMs := bs.utteranceStartMs
	idx := bs.nextChunkIndex
	bs.connected = false
	bs.mu.Unlock()

	if len(remaining) > 0 {
		last := remaining[len(remaining)-1]
		endMs := int64((last.StartSec + last.DurationSec) * 1000)
		h.collapseAndPersist(ctx, bs, remaining, startMs, endMs, idx)
	}

	bs.stt.Close()
	if err := bs.sink.Close(); err != nil {
		h.log.Warn("audio sink close failed", "error", err)
	}

	durationSecs := bs.sink.DurationSecs()
	if err := h.subs.FinalizeStream(ctx, bs.submissionID, bs.sink.BytesWritten(), durationSecs); err != nil {
		h.log.Error("failed to finalize stream submission", "submission_id", bs.submissionID, "error", err)
	}
	if err := h.chunks.EndSession(ctx, bs.session.ID, int64(durationSecs*1000)); err != nil {
		h.log.Error("failed to end stream session", "session_id", bs.session.ID, "error", err)
	}

	h.mu.Lock()
	h.broadcaster = nil
	h.mu.Unlock()

	bs.ob.cancel()
	h.broadcastToViewers(map[string]any{"type": "session_ended", "sessionId": bs.session.ID})
	h.scheduleStatusBroadcast()
}

// hubSTTSink adapts STT relay callbacks into Hub accumulator updates.
type hubSTTSink struct {
	h   *Hub
	ctx context.Context
	bs  *broadcasterState
}

func (s *hubSTTSink) OnSegment(seg Segment) {
	s.h.broadcastToAll(s.bs, map[string]any{
		"type":       "transcript",
		"speaker":    seg.Speaker,
		"text":       seg.Text,
		"confidence": seg.Confidence,
		"isFinal":    seg.IsFinal,
		"timestamp":  time.Now().UTC(),
	})

	if !seg.IsFinal || strings.TrimSpace(seg.Text) == "" {
		return
	}

	s.bs.mu.Lock()
	if len(s.bs.accumulator) == 0 {
		s.bs.utteranceStartMs = int64(seg.StartSec * 1000)
	}
	s.bs.accumulator = append(s.bs.accumulator, seg)
	s.bs.mu.Unlock()
}

func (s *hubSTTSink) OnUtteranceEnd(ev UtteranceEnd) {
	s.bs.mu.Lock()
	if len(s.bs.accumulator) == 0 {
		s.bs.mu.Unlock()
		return
	}
	segs := s.bs.accumulator
	s.bs.accumulator = nil
	startMs := s.bs.utteranceStartMs
	idx := s.bs.nextChunkIndex
	s.bs.nextChunkIndex++
	s.bs.mu.Unlock()

	endMs := int64(ev.LastWordEndSec * 1000)
	s.h.collapseAndPersist(s.ctx, s.bs, segs, startMs, endMs, idx)
}

func (s *hubSTTSink) OnDisconnect(err error) {
	s.bs.mu.Lock()
	s.bs.connected = false
	s.bs.mu.Unlock()
	s.h.scheduleStatusBroadcast()
}

// collapseAndPersist combines accumulated segments into one StreamChunk,
// persists it, broadcasts chunk_created, and schedules analysis if the
// chunk clears the word-count threshold (spec.md §4.7 "Segment handling").
func (h *Hub) collapseAndPersist(ctx context.Context, bs *broadcasterState, segs []Segment, startMs, endMs int64, idx int) {
	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		texts = append(texts, s.Text)
	}
	transcript := strings.Join(texts, " ")
	speaker := modeSpeaker(segs)
	confidence := meanConfidence(segs)

	chunk, err := h.chunks.CreateChunk(ctx, chunks.CreateChunkParams{
		SessionID:  bs.session.ID,
		ChunkIndex: idx,
		Speaker:    speaker,
		Transcript: transcript,
		Confidence: &confidence,
		StartMs:    startMs,
		EndMs:      endMs,
	})
	if err != nil {
		h.log.Error("failed to persist stream chunk", "session_id", bs.session.ID, "error", err)
		return
	}

	willBeAnalyzed := chunk.WordCount >= h.minWords
	h.broadcastToAll(bs, map[string]any{
		"type":      "chunk_created",
		"sessionId": bs.session.ID,
		"chunk": map[string]any{
			"id":             chunk.ID,
			"index":          chunk.ChunkIndex,
			"speaker":        chunk.Speaker,
			"transcript":     chunk.Transcript,
			"startTimeMs":    chunk.StartTimeMs,
			"endTimeMs":      chunk.EndTimeMs,
			"willBeAnalyzed": willBeAnalyzed,
		},
	})

	if !willBeAnalyzed {
		return
	}
	jobID, err := h.jobs.CreateAnalyzeChunk(ctx, chunk.ID, bs.session.ID, h.providerTag, nil)
	if err != nil {
		h.log.Error("failed to enqueue analyze_chunk job", "chunk_id", chunk.ID, "error", err)
		return
	}
	if err := h.chunks.SetChunkAnalysisJob(ctx, chunk.ID, jobID); err != nil {
		h.log.Error("failed to link analysis job to chunk", "chunk_id", chunk.ID, "job_id", jobID, "error", err)
	}
}

func modeSpeaker(segs []Segment) *int {
	counts := map[int]int{}
	for _, s := range segs {
		if s.Speaker != nil {
			counts[*s.Speaker]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	best, bestCount := ids[0], counts[ids[0]]
	for _, id := range ids[1:] {
		if counts[id] > bestCount {
			best, bestCount = id, counts[id]
		}
	}
	return &best
}

func meanConfidence(segs []Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segs {
		sum += s.Confidence
	}
	return sum / float64(len(segs))
}

// ChunkAnalyzed implements processor.ChunkAnalysisNotifier: broadcast a
// completed analyze_chunk job's structured result to viewers, and to the
// broadcaster if its session is still the active one. Called directly from
// the Processor's dispatch loop, so this must never block on a slow socket.
func (h *Hub) ChunkAnalyzed(ctx context.Context, sessionID string, chunkID int64, result provider.AnalysisResult) error {
	payload := map[string]any{
		"type":      "chunk_analyzed",
		"sessionId": sessionID,
		"chunkId":   chunkID,
		"topics":    result.Topics,
		"intents":   result.Intents,
		"summary":   result.Summary,
		"sentiment": result.Sentiment,
	}

	h.mu.Lock()
	bs := h.broadcaster
	h.mu.Unlock()

	if bs != nil && bs.session.ID == sessionID {
		h.sendTo(bs.ob, payload)
	}
	h.broadcastToViewers(payload)
	return nil
}

// HandleViewer runs a viewer connection's lifecycle: capacity check, current
// status, full replay of persisted chunks, then blocks reading (no inbound
// frames are expected) until the connection closes.
func (h *Hub) HandleViewer(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	if len(h.viewers) >= h.maxViewers {
		h.mu.Unlock()
		h.sendAndClose(conn, map[string]any{"type": "error", "message": "viewer capacity reached"}, websocket.StatusPolicyViolation, "viewer capacity reached")
		return
	}
	v := &viewer{id: uuid.New().String(), ob: newOutbox(ctx, conn)}
	h.viewers[v.id] = v
	h.mu.Unlock()

	go h.runWriter(v.ob, "viewer")

	defer func() {
		h.mu.Lock()
		delete(h.viewers, v.id)
		h.mu.Unlock()
		v.ob.cancel()
		h.scheduleStatusBroadcast()
	}()

	h.sendTo(v.ob, map[string]any{
		"type":        "status",
		"isLive":      h.IsLive(),
		"viewerCount": h.ViewerCount(),
	})
	h.replay(ctx, v)
	h.scheduleStatusBroadcast()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) replay(ctx context.Context, v *viewer) {
	if h.chunks == nil {
		return
	}
	withAnalysis, err := h.chunks.AllChunksWithAnalysis(ctx)
	if err != nil {
		h.log.Error("failed to load chunk replay", "error", err)
		return
	}
	for _, cwa := range withAnalysis {
		c := cwa.Chunk
		h.sendTo(v.ob, map[string]any{
			"type":      "chunk_created",
			"sessionId": c.SessionID,
			"chunk": map[string]any{
				"id":             c.ID,
				"index":          c.ChunkIndex,
				"speaker":        c.Speaker,
				"transcript":     c.Transcript,
				"startTimeMs":    c.StartTimeMs,
				"endTimeMs":      c.EndTimeMs,
				"willBeAnalyzed": c.WordCount >= h.minWords,
			},
		})

		if cwa.AnalysisJob == nil || cwa.AnalysisJob.Status != models.JobCompleted {
			continue
		}
		var result provider.AnalysisResult
		if err := json.Unmarshal([]byte(cwa.AnalysisJob.RawResponse), &result); err != nil {
			h.log.Warn("failed to decode analysis result for replay", "chunk_id", c.ID, "error", err)
			continue
		}
		h.sendTo(v.ob, map[string]any{
			"type":      "chunk_analyzed",
			"sessionId": c.SessionID,
			"chunkId":   c.ID,
			"topics":    result.Topics,
			"intents":   result.Intents,
			"summary":   result.Summary,
			"sentiment": result.Sentiment,
		})
	}
}

func (h *Hub) scheduleStatusBroadcast() {
	h.debounceMu.Lock()
	defer h.debounceMu.Unlock()
	if h.debounceTimer != nil {
		h.debounceTimer.Stop()
	}
	h.debounceTimer = time.AfterFunc(h.statusDebounce, h.broadcastStatusNow)
}

func (h *Hub) broadcastStatusNow() {
	payload := map[string]any{
		"type":        "status",
		"isLive":      h.IsLive(),
		"viewerCount": h.ViewerCount(),
	}
	h.mu.Lock()
	bs := h.broadcaster
	h.mu.Unlock()
	if bs != nil {
		h.sendTo(bs.ob, payload)
	}
	h.broadcastToViewers(payload)
}

// broadcastToAll sends v to the active broadcaster (if it's bs) and every
// viewer — used for the live transcript/chunk events that mirror to both
// audiences while streaming.
func (h *Hub) broadcastToAll(bs *broadcasterState, v any) {
	h.sendTo(bs.ob, v)
	h.broadcastToViewers(v)
}

// broadcastToViewers enqueues v for every current viewer and returns
// immediately. A viewer whose outbound queue is full is dropped rather than
// allowed to stall this call — see enqueue. Modeled on jatniel-synthezia's
// sessionBroadcaster.broadcast (internal/transcription/live_service.go).
func (h *Hub) broadcastToViewers(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal stream event", "error", err)
		return
	}

	h.mu.Lock()
	vs := make([]*viewer, 0, len(h.viewers))
	for _, vw := range h.viewers {
		vs = append(vs, vw)
	}
	h.mu.Unlock()

	for _, vw := range vs {
		h.enqueue(vw.ob, data, "viewer")
	}
}

// sendTo marshals v and enqueues it on ob without blocking.
func (h *Hub) sendTo(ob *outbox, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal stream event", "error", err)
		return
	}
	h.enqueue(ob, data, "connection")
}

// sendAndClose writes v synchronously and closes conn. Used only for the
// handful of reject-before-registration paths (unauthorized broadcaster,
// broadcaster busy, viewer capacity reached) where the connection has no
// outbox yet and is being torn down immediately regardless of the write's
// outcome, so there is no producer to protect from blocking.
func (h *Hub) sendAndClose(conn *websocket.Conn, v any, status websocket.StatusCode, reason string) {
	data, err := json.Marshal(v)
	if err == nil {
		wctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = conn.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	conn.Close(status, reason)
}
