package stream

import (
	"context"
	"sync"
)

// Segment is one transcript segment delivered by the upstream speech-to-text
// relay (spec.md §4.7 "STT delivers TranscriptSegment").
type Segment struct {
	Speaker     *int
	Text        string
	Confidence  float64
	IsFinal     bool
	StartSec    float64
	DurationSec float64
}

// UtteranceEnd is the STT-delivered speaker-silence boundary that closes an
// accumulated chunk.
type UtteranceEnd struct {
	LastWordEndSec float64
}

// STTSink receives events from an open STT connection. The Hub implements
// this to accumulate segments into chunks.
type STTSink interface {
	OnSegment(Segment)
	OnUtteranceEnd(UtteranceEnd)
	OnDisconnect(err error)
}

// STTOptions configures an STT relay session.
type STTOptions struct {
	Diarization    bool
	UtteranceEndMs int
	SampleRateHz   int
}

// STTConn is one open upstream relay connection: audio flows out, segment
// and utterance-end events flow back to the sink it was opened with.
type STTConn interface {
	WriteAudio(pcm []byte) error
	Connected() bool
	Close() error
}

// STTClient opens upstream STT relay connections. The only production
// implementation would speak a real-time transcription protocol over a
// WebSocket; this engine ships only the capability boundary plus a
// deterministic Mock, per spec.md §1's "Out of scope: provider HTTP/
// WebSocket clients" — the same boundary drawn around pkg/provider.Local.
type STTClient interface {
	Open(ctx context.Context, opts STTOptions, sink STTSink) (STTConn, error)
}

// MockSTTClient is a deterministic STTClient for tests: Open returns a
// MockSTTConn the test can drive directly by calling EmitSegment /
// EmitUtteranceEnd, synchronously invoking the sink exactly as a real relay
// would from its own read loop.
type MockSTTClient struct {
	mu    sync.Mutex
	conns []*MockSTTConn
}

// NewMockSTTClient constructs an empty MockSTTClient.
func NewMockSTTClient() *MockSTTClient {
	return &MockSTTClient{}
}

// Open implements STTClient.
func (c *MockSTTClient) Open(ctx context.Context, opts STTOptions, sink STTSink) (STTConn, error) {
	conn := &MockSTTConn{sink: sink, connected: true}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

// LastConn returns the most recently opened connection, or nil.
func (c *MockSTTClient) LastConn() *MockSTTConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

// MockSTTConn is a test double for STTConn.
type MockSTTConn struct {
	mu        sync.Mutex
	sink      STTSink
	connected bool
	written   int
}

// EmitSegment synchronously delivers a segment to the sink, as a real relay's
// read loop would.
func (c *MockSTTConn) EmitSegment(s Segment) {
	c.sink.OnSegment(s)
}

// EmitUtteranceEnd synchronously delivers an utterance-end event.
func (c *MockSTTConn) EmitUtteranceEnd(e UtteranceEnd) {
	c.sink.OnUtteranceEnd(e)
}

func (c *MockSTTConn) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written += len(pcm)
	return nil
}

func (c *MockSTTConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockSTTConn) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// BytesWritten reports the cumulative PCM bytes relayed through WriteAudio.
func (c *MockSTTConn) BytesWritten() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}
