// Package processor implements the Processor (spec.md §4.3): the single
// serial inference worker that claims jobs, dispatches them by type, and
// propagates submission status and auto-chains across the job pipeline.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/provider"
	"github.com/scribeframe/engine/pkg/submissions"
)

// State is the Processor's coarse lifecycle state (spec.md §4.3).
type State int

const (
	Stopped State = iota
	Idle
	Busy
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// EventPublisher is the narrow seam into the EventBus: job lifecycle
// notifications carrying only summary fields (spec.md §4.8).
type EventPublisher interface {
	JobCreated(job *models.Job)
	JobClaimed(job *models.Job)
	JobProgress(jobID int64, tokenCount int, elapsedMs int64)
	JobCompleted(job *models.Job)
	JobFailed(job *models.Job)
}

// ChunkAnalysisNotifier is the narrow seam into the StreamHub: broadcast the
// result of a completed analyze_chunk job (spec.md §4.3, §4.7 "Analysis
// result broadcast").
type ChunkAnalysisNotifier interface {
	ChunkAnalyzed(ctx context.Context, sessionID string, chunkID int64, result provider.AnalysisResult) error
}

type noopEvents struct{}

func (noopEvents) JobCreated(*models.Job)                    {}
func (noopEvents) JobClaimed(*models.Job)                    {}
func (noopEvents) JobProgress(int64, int, int64)             {}
func (noopEvents) JobCompleted(*models.Job)                  {}
func (noopEvents) JobFailed(*models.Job)                     {}

type noopChunkNotifier struct{}

func (noopChunkNotifier) ChunkAnalyzed(context.Context, string, int64, provider.AnalysisResult) error {
	return nil
}

// Processor is the single serial worker.
type Processor struct {
	jobs        *jobregistry.Registry
	submissions *submissions.Registry
	providers   map[string]provider.Provider
	events      EventPublisher
	chunks      ChunkAnalysisNotifier
	log         *slog.Logger

	pollInterval time.Duration

	mu          sync.Mutex
	state       State
	inferenceMu sync.Mutex // belt-and-suspenders: at most one inference call in flight

	stopCh chan struct{}
	doneCh chan struct{}

	startTimes sync.Map // job id -> time.Time, for elapsedMs on job_progress
}

// Config bundles Processor construction parameters.
type Config struct {
	Jobs         *jobregistry.Registry
	Submissions  *submissions.Registry
	Providers    map[string]provider.Provider
	Events       EventPublisher
	Chunks       ChunkAnalysisNotifier
	Log          *slog.Logger
	PollInterval time.Duration
}

// New constructs a Processor in the Stopped state.
func New(cfg Config) *Processor {
	events := cfg.Events
	if events == nil {
		events = noopEvents{}
	}
	chunkNotifier := cfg.Chunks
	if chunkNotifier == nil {
		chunkNotifier = noopChunkNotifier{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Processor{
		jobs:         cfg.Jobs,
		submissions:  cfg.Submissions,
		providers:    cfg.Providers,
		events:       events,
		chunks:       chunkNotifier,
		log:          log,
		pollInterval: poll,
		state:        Stopped,
	}
}

// State reports the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start transitions Stopped -> Idle and begins the poll loop in the
// background.
func (p *Processor) Start(ctx context.Context) {
	p.setState(Idle)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx)
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if p.State() == Draining {
			p.setState(Stopped)
			return
		}
		select {
		case <-ctx.Done():
			p.setState(Stopped)
			return
		case <-p.stopCh:
			p.setState(Stopped)
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	if p.State() == Busy {
		return
	}
	job, err := p.jobs.ClaimNext(ctx)
	if err != nil {
		p.log.Error("claimNext failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	p.setState(Busy)
	p.startTimes.Store(job.ID, time.Now())
	p.events.JobClaimed(job)

	p.inferenceMu.Lock()
	p.dispatch(ctx, job)
	p.inferenceMu.Unlock()

	p.startTimes.Delete(job.ID)
	if p.State() != Draining {
		p.setState(Idle)
	}
}

// Stop requests a graceful shutdown: drains (waits for any in-flight job to
// finish; in-flight jobs are never cancelled mid-call) before the loop
// exits (spec.md §4.3 "Graceful shutdown").
func (p *Processor) Stop() {
	if p.State() == Stopped {
		return
	}
	p.setState(Draining)
	if p.stopCh != nil {
		close(p.stopCh)
	}
	if p.doneCh != nil {
		<-p.doneCh
	}
}

func (p *Processor) elapsedMs(jobID int64) int64 {
	v, ok := p.startTimes.Load(jobID)
	if !ok {
		return 0
	}
	return time.Since(v.(time.Time)).Milliseconds()
}

func (p *Processor) dispatch(ctx context.Context, job *models.Job) {
	var err error
	switch job.Type {
	case models.JobTranscribe:
		err = p.dispatchTranscribe(ctx, job)
	case models.JobSummarize:
		err = p.dispatchSummarize(ctx, job)
	case models.JobAnalyzeChunk:
		err = p.dispatchAnalyzeChunk(ctx, job)
	default:
		err = apperr.InvalidInput("unknown job type %q", job.Type)
	}
	if err != nil {
		p.failJob(ctx, job, err)
	}
}

func (p *Processor) resolveProvider(name string) (provider.Provider, error) {
	if name == "" {
		return nil, apperr.Provider(nil, "job has no provider tag")
	}
	prov, ok := p.providers[name]
	if !ok {
		return nil, apperr.Provider(nil, "unknown provider %q", name)
	}
	return prov, nil
}

func (p *Processor) failJob(ctx context.Context, job *models.Job, cause error) {
	msg := cause.Error()
	if err := p.jobs.Fail(ctx, job.ID, msg); err != nil {
		p.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	job.Status = models.JobFailed
	job.ErrorMessage = msg
	p.events.JobFailed(job)

	if job.SubmissionID != "" {
		p.failSubmissionIfNotTerminal(ctx, job.SubmissionID, msg)
	}
}

func (p *Processor) failSubmissionIfNotTerminal(ctx context.Context, submissionID, reason string) {
	sub, err := p.submissions.Get(ctx, submissionID)
	if err != nil || sub == nil {
		return
	}
	if sub.Status.IsTerminal() {
		return
	}
	if err := p.submissions.UpdateStatus(ctx, submissionID, models.SubmissionFailed, reason); err != nil {
		p.log.Error("failed to propagate job failure to submission", "submission_id", submissionID, "error", err)
	}
}

func autoSummarize(job *models.Job) bool {
	v, ok := job.Metadata["autoSummarize"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// dispatchTranscribe implements spec.md §4.3's transcribe contract.
func (p *Processor) dispatchTranscribe(ctx context.Context, job *models.Job) error {
	if strings.TrimSpace(job.InputFilePath) == "" {
		return apperr.InvalidInput("transcribe job %d missing input_file_path", job.ID)
	}
	prov, err := p.resolveProvider(job.Provider)
	if err != nil {
		return err
	}

	if job.SubmissionID != "" {
		_ = p.submissions.UpdateStatus(ctx, job.SubmissionID, models.SubmissionTranscribing, "")
	}

	if local, ok := prov.(provider.LocalStyle); ok {
		// Empty modelName: the provider resolves its own configured default
		// model. Jobs do not pin a model ahead of time (spec.md §3.2's
		// model_used tag is populated from the provider's result, not input).
		loaded, err := local.IsModelLoaded(ctx, "")
		if err != nil {
			return apperr.Provider(err, "checking model load status")
		}
		if !loaded {
			return apperr.Provider(nil, "required model is not loaded")
		}
		if err := p.jobs.SetModelVerified(ctx, job.ID); err != nil {
			p.log.Error("failed to mark model verified", "job_id", job.ID, "error", err)
		}
	}

	result, err := prov.Transcribe(ctx, job.InputFilePath)
	if err != nil {
		return apperr.Provider(err, "transcribe failed")
	}

	if err := p.jobs.Complete(ctx, job.ID, result.Text, result.Model, result.ProcessingTimeMs,
		result.Confidence, result.RawResponse, result.RawResponseType); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	job.OutputText = result.Text
	p.events.JobCompleted(job)

	if job.SubmissionID == "" {
		return nil
	}

	if autoSummarize(job) && strings.TrimSpace(result.Text) != "" {
		meta := map[string]any{}
		if _, err := p.jobs.CreateSummarize(ctx, result.Text, job.SubmissionID, meta, job.Provider); err != nil {
			// The transcribe job already completed successfully and its
			// job_completed event already went out; a failure here is an
			// auto-chain enqueue problem, not a transcribe failure, so it
			// must not flow back through dispatch() into failJob() and flip
			// an already-completed job/submission to failed.
			p.log.Error("failed to enqueue auto-chained summarize job", "job_id", job.ID, "submission_id", job.SubmissionID, "error", err)
		}
		return nil
	}
	return p.submissions.UpdateStatus(ctx, job.SubmissionID, models.SubmissionCompleted, "")
}

// heartbeatSink adapts a Processor+job pair into a provider.HeartbeatSink,
// updating the job's heartbeat row and publishing job_progress per token.
type heartbeatSink struct {
	p   *Processor
	job *models.Job
}

func (h heartbeatSink) Heartbeat(ctx context.Context, tokenCount int, partialText string) error {
	if err := h.p.jobs.Heartbeat(ctx, h.job.ID); err != nil {
		return err
	}
	h.p.events.JobProgress(h.job.ID, tokenCount, h.p.elapsedMs(h.job.ID))
	return nil
}

// dispatchSummarize implements spec.md §4.3's summarize contract.
func (p *Processor) dispatchSummarize(ctx context.Context, job *models.Job) error {
	if strings.TrimSpace(job.InputText) == "" {
		return apperr.InvalidInput("summarize job %d missing input_text", job.ID)
	}
	prov, err := p.resolveProvider(job.Provider)
	if err != nil {
		return err
	}

	if job.SubmissionID != "" {
		_ = p.submissions.UpdateStatus(ctx, job.SubmissionID, models.SubmissionSummarizing, "")
	}

	var result provider.SummarizeResult
	if local, ok := prov.(provider.LocalStyle); ok {
		result, err = local.SummarizeStreaming(ctx, job.InputText, heartbeatSink{p: p, job: job})
	} else {
		result, err = prov.Summarize(ctx, job.InputText)
	}
	if err != nil {
		return apperr.Provider(err, "summarize failed")
	}

	if err := p.jobs.Complete(ctx, job.ID, result.Text, result.Model, result.ProcessingTimeMs,
		nil, result.RawResponse, result.RawResponseType); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	job.OutputText = result.Text
	p.events.JobCompleted(job)

	if job.SubmissionID == "" {
		return nil
	}
	return p.submissions.UpdateStatus(ctx, job.SubmissionID, models.SubmissionCompleted, "")
}

// dispatchAnalyzeChunk implements spec.md §4.3's analyze_chunk contract.
func (p *Processor) dispatchAnalyzeChunk(ctx context.Context, job *models.Job) error {
	if strings.TrimSpace(job.InputText) == "" {
		return apperr.InvalidInput("analyze_chunk job %d missing input_text", job.ID)
	}
	prov, err := p.resolveProvider(job.Provider)
	if err != nil {
		return err
	}
	analyzer, ok := prov.(provider.Analyzer)
	if !ok {
		return apperr.Provider(nil, "provider %q does not support chunk analysis", job.Provider)
	}

	result, err := analyzer.Analyze(ctx, job.InputText)
	if err != nil {
		return apperr.Provider(err, "chunk analysis failed")
	}

	rawJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling analysis result: %w", err)
	}
	if err := p.jobs.Complete(ctx, job.ID, result.Summary, "", 0, nil, string(rawJSON), "application/json"); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	p.events.JobCompleted(job)

	sessionID, _ := job.Metadata["sessionId"].(string)
	chunkIDFloat, _ := job.Metadata["chunkId"].(float64)
	chunkID := int64(chunkIDFloat)
	if sessionID != "" && chunkID != 0 {
		if err := p.chunks.ChunkAnalyzed(ctx, sessionID, chunkID, result); err != nil {
			p.log.Error("failed to broadcast chunk_analyzed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
