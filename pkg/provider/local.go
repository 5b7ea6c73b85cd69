package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Local talks to a locally-hosted model server over plain HTTP. It is
// wired for completeness (spec.md §7's provider capability) but not
// exercised by any test — no live backend is part of this engine's scope.
type Local struct {
	baseURL string
	client  *http.Client
}

// NewLocal constructs a Local provider against a model server base URL.
func NewLocal(baseURL string) *Local {
	return &Local{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (l *Local) Name() string { return "local" }

type transcribeRequest struct {
	Path string `json:"path"`
}

type transcribeResponse struct {
	Text             string   `json:"text"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Model            string   `json:"model"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

func (l *Local) Transcribe(ctx context.Context, path string) (TranscribeResult, error) {
	var resp transcribeResponse
	raw, err := l.post(ctx, "/transcribe", transcribeRequest{Path: path}, &resp)
	if err != nil {
		return TranscribeResult{}, err
	}
	return TranscribeResult{
		Text:             resp.Text,
		Confidence:       resp.Confidence,
		Model:            resp.Model,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		RawResponse:      raw,
		RawResponseType:  "application/json",
	}, nil
}

type summarizeRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream"`
}

type summarizeResponse struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	TokensUsed       int    `json:"tokensUsed"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

func (l *Local) Summarize(ctx context.Context, text string) (SummarizeResult, error) {
	var resp summarizeResponse
	raw, err := l.post(ctx, "/summarize", summarizeRequest{Text: text}, &resp)
	if err != nil {
		return SummarizeResult{}, err
	}
	return SummarizeResult{
		Text:             resp.Text,
		Model:            resp.Model,
		TokensUsed:       resp.TokensUsed,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		RawResponse:      raw,
		RawResponseType:  "application/json",
	}, nil
}

func (l *Local) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type modelStatusResponse struct {
	Loaded bool `json:"loaded"`
}

func (l *Local) IsModelLoaded(ctx context.Context, modelName string) (bool, error) {
	var resp modelStatusResponse
	_, err := l.post(ctx, "/models/status", map[string]string{"model": modelName}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Loaded, nil
}

// summarizeStreamChunk is one line of a newline-delimited JSON stream from
// the local model server: either a progress token or the final result.
type summarizeStreamChunk struct {
	TokenCount int                `json:"tokenCount,omitempty"`
	Partial    string             `json:"partial,omitempty"`
	Done       bool               `json:"done,omitempty"`
	Result     *summarizeResponse `json:"result,omitempty"`
}

// SummarizeStreaming posts a streaming summarize request and relays each
// newline-delimited progress chunk to sink as a heartbeat (spec.md §7
// "streaming summarize variant with a heartbeat callback").
func (l *Local) SummarizeStreaming(ctx context.Context, text string, sink HeartbeatSink) (SummarizeResult, error) {
	body, err := json.Marshal(summarizeRequest{Text: text, Stream: true})
	if err != nil {
		return SummarizeResult{}, fmt.Errorf("marshal summarize request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/summarize", bytes.NewReader(body))
	if err != nil {
		return SummarizeResult{}, fmt.Errorf("build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return SummarizeResult{}, fmt.Errorf("summarize request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SummarizeResult{}, fmt.Errorf("summarize request: status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk summarizeStreamChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return SummarizeResult{}, fmt.Errorf("decode summarize stream: %w", err)
		}
		if chunk.Done && chunk.Result != nil {
			return SummarizeResult{
				Text:            chunk.Result.Text,
				Model:           chunk.Result.Model,
				TokensUsed:      chunk.Result.TokensUsed,
				ProcessingTimeMs: chunk.Result.ProcessingTimeMs,
				RawResponseType: "application/x-ndjson",
			}, nil
		}
		if err := sink.Heartbeat(ctx, chunk.TokenCount, chunk.Partial); err != nil {
			return SummarizeResult{}, err
		}
	}
	return SummarizeResult{}, fmt.Errorf("summarize stream ended without a result")
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Topics    []string `json:"topics"`
	Intents   []string `json:"intents"`
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
}

// Analyze implements provider.Analyzer.
func (l *Local) Analyze(ctx context.Context, text string) (AnalysisResult, error) {
	var resp analyzeResponse
	if _, err := l.post(ctx, "/analyze", analyzeRequest{Text: text}, &resp); err != nil {
		return AnalysisResult{}, err
	}
	return AnalysisResult{
		Topics:    resp.Topics,
		Intents:   resp.Intents,
		Summary:   resp.Summary,
		Sentiment: resp.Sentiment,
	}, nil
}

func (l *Local) post(ctx context.Context, path string, reqBody, respBody any) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return "", fmt.Errorf("decode response %s: %w", path, err)
	}
	return string(raw), nil
}

var (
	_ LocalStyle = (*Local)(nil)
	_ Analyzer   = (*Local)(nil)
)
