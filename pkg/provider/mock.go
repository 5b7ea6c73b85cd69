package provider

import (
	"context"
	"strings"
	"sync"
)

// Mock is a deterministic, configurable LocalStyle provider for tests. It
// can be made to block until released, so tests can exercise the
// HealthMonitor's stuck-job recovery without a real timeout elapsing.
type Mock struct {
	mu sync.Mutex

	NameValue string

	TranscribeResult TranscribeResult
	TranscribeErr    error

	SummarizeResult      SummarizeResult
	SummarizeErr         error
	SummarizeTokens      []string // streamed one heartbeat per token when set
	SummarizeHeartbeatErr error

	ModelLoaded    bool
	HealthCheckOK  bool

	AnalysisResult AnalysisResult
	AnalysisErr    error

	blockCh chan struct{} // non-nil: Transcribe/Summarize block until closed
}

// NewMock returns a Mock with sane defaults: healthy, model loaded, and a
// short canned transcript/summary.
func NewMock() *Mock {
	return &Mock{
		NameValue: "mock",
		TranscribeResult: TranscribeResult{
			Text:             "hello world",
			Model:            "mock-whisper",
			ProcessingTimeMs: 10,
		},
		SummarizeResult: SummarizeResult{
			Text:             "short summary",
			Model:            "mock-llm",
			ProcessingTimeMs: 10,
		},
		SummarizeTokens: strings.Fields("short summary here now done"),
		ModelLoaded:     true,
		HealthCheckOK:   true,
		AnalysisResult: AnalysisResult{
			Topics:    []string{"general"},
			Intents:   []string{"inform"},
			Summary:   "a short exchange",
			Sentiment: "neutral",
		},
	}
}

// Analyze implements provider.Analyzer.
func (m *Mock) Analyze(ctx context.Context, text string) (AnalysisResult, error) {
	if err := m.waitIfBlocked(ctx); err != nil {
		return AnalysisResult{}, err
	}
	if m.AnalysisErr != nil {
		return AnalysisResult{}, m.AnalysisErr
	}
	return m.AnalysisResult, nil
}

// Block makes subsequent Transcribe/Summarize calls wait until Release is
// called, modeling a provider call that never returns in time (spec.md §8
// scenario 2, stuck-job recovery).
func (m *Mock) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockCh = make(chan struct{})
}

// Release unblocks calls previously paused by Block.
func (m *Mock) Release() {
	m.mu.Lock()
	ch := m.blockCh
	m.blockCh = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (m *Mock) waitIfBlocked(ctx context.Context) error {
	m.mu.Lock()
	ch := m.blockCh
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) Name() string { return m.NameValue }

func (m *Mock) Transcribe(ctx context.Context, path string) (TranscribeResult, error) {
	if err := m.waitIfBlocked(ctx); err != nil {
		return TranscribeResult{}, err
	}
	if m.TranscribeErr != nil {
		return TranscribeResult{}, m.TranscribeErr
	}
	return m.TranscribeResult, nil
}

func (m *Mock) Summarize(ctx context.Context, text string) (SummarizeResult, error) {
	if err := m.waitIfBlocked(ctx); err != nil {
		return SummarizeResult{}, err
	}
	if m.SummarizeErr != nil {
		return SummarizeResult{}, m.SummarizeErr
	}
	return m.SummarizeResult, nil
}

func (m *Mock) HealthCheck(ctx context.Context) bool { return m.HealthCheckOK }

func (m *Mock) IsModelLoaded(ctx context.Context, modelName string) (bool, error) {
	if err := m.waitIfBlocked(ctx); err != nil {
		return false, err
	}
	return m.ModelLoaded, nil
}

// SummarizeStreaming emits one heartbeat per entry in SummarizeTokens, then
// returns SummarizeResult (or SummarizeErr, if set).
func (m *Mock) SummarizeStreaming(ctx context.Context, text string, sink HeartbeatSink) (SummarizeResult, error) {
	if err := m.waitIfBlocked(ctx); err != nil {
		return SummarizeResult{}, err
	}
	partial := ""
	for i, tok := range m.SummarizeTokens {
		if partial == "" {
			partial = tok
		} else {
			partial = partial + " " + tok
		}
		if err := sink.Heartbeat(ctx, i+1, partial); err != nil {
			return SummarizeResult{}, err
		}
	}
	if m.SummarizeHeartbeatErr != nil {
		return SummarizeResult{}, m.SummarizeHeartbeatErr
	}
	if m.SummarizeErr != nil {
		return SummarizeResult{}, m.SummarizeErr
	}
	return m.SummarizeResult, nil
}

var (
	_ LocalStyle = (*Mock)(nil)
	_ Analyzer   = (*Mock)(nil)
)
