// Package provider defines the abstract inference-provider capability
// (spec.md §7 "Provider capability") and the concrete providers the engine
// ships with: a deterministic Mock for tests and a Local client that talks
// to a locally-hosted model server over plain HTTP.
package provider

import "context"

// TranscribeResult is the outcome of a transcribe call.
type TranscribeResult struct {
	Text             string
	Confidence       *float64
	Model            string
	ProcessingTimeMs int64
	RawResponse      string
	RawResponseType  string
}

// SummarizeResult is the outcome of a summarize call.
type SummarizeResult struct {
	Text             string
	Model            string
	TokensUsed       int
	ProcessingTimeMs int64
	RawResponse      string
	RawResponseType  string
}

// HeartbeatSink receives per-token progress from a streaming summarize call.
// Modeled as an interface rather than a bare closure so the stall-detection
// timer stays decoupled from any one provider implementation (spec.md §7
// "Heartbeat via callback").
type HeartbeatSink interface {
	Heartbeat(ctx context.Context, tokenCount int, partialText string) error
}

// HeartbeatSinkFunc adapts a function to a HeartbeatSink.
type HeartbeatSinkFunc func(ctx context.Context, tokenCount int, partialText string) error

func (f HeartbeatSinkFunc) Heartbeat(ctx context.Context, tokenCount int, partialText string) error {
	return f(ctx, tokenCount, partialText)
}

// Provider is the capability every inference backend implements.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, path string) (TranscribeResult, error)
	Summarize(ctx context.Context, text string) (SummarizeResult, error)
	HealthCheck(ctx context.Context) bool
}

// AnalysisResult is the structured outcome of a chunk analysis call
// (spec.md §4.3 analyze_chunk, §4.8 chunk_analyzed).
type AnalysisResult struct {
	Topics  []string
	Intents []string
	Summary string
	Sentiment string
}

// Analyzer is the text-intelligence operation analyze_chunk jobs dispatch
// to (spec.md §4.3: "call provider's text-intelligence operation"). Kept
// separate from the base Provider capability since not every provider
// needs to support live-chunk analysis.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (AnalysisResult, error)
}

// LocalStyle is the extended capability a self-hosted/GPU-resident provider
// additionally supports: model residency checks and a streaming summarize
// variant that reports progress through a HeartbeatSink (spec.md §7).
type LocalStyle interface {
	Provider
	IsModelLoaded(ctx context.Context, modelName string) (bool, error)
	SummarizeStreaming(ctx context.Context, text string, sink HeartbeatSink) (SummarizeResult, error)
}
