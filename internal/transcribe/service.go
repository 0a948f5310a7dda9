// Package transcribe wires every component together: session lifecycle,
// admission, audio decode, speech segmentation, partitioning, dispatch,
// and post-processing.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lingotrack/transcriber/config"
	"github.com/lingotrack/transcriber/internal/admission"
	"github.com/lingotrack/transcriber/internal/audioio"
	"github.com/lingotrack/transcriber/internal/fetch"
	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/partition"
	"github.com/lingotrack/transcriber/internal/pipeline"
	"github.com/lingotrack/transcriber/internal/postprocess"
	"github.com/lingotrack/transcriber/internal/progress"
	"github.com/lingotrack/transcriber/internal/scheduler"
	"github.com/lingotrack/transcriber/internal/sessionmgr"
	"github.com/lingotrack/transcriber/internal/srt"
	"github.com/lingotrack/transcriber/internal/vad"
)

// InputError reports that the source audio was unreadable, empty, or in
// an unsupported container. It is user-visible and always aborts the
// session; the admission slot is released by the caller's deferred cleanup.
type InputError struct{ Err error }

func (e *InputError) Error() string { return fmt.Sprintf("input error: %v", e.Err) }
func (e *InputError) Unwrap() error { return e.Err }

// Request is the programmatic request surface, mirrored by the JSON body
// of POST /transcribe.
type Request struct {
	AudioSource   string // file path or remote media URL
	ModelName     string
	Precision     string
	Language      string
	Task          string // "transcribe" | "translate"
	UseVAD        bool
	MinSilenceS   float64
	Merge         bool
	MaxChars      int
	Parallel      bool
	ConvertScript bool

	// RequestID correlates this job's logs and progress events with the
	// HTTP request that submitted it. Empty for CLI-submitted jobs.
	RequestID string
}

// Result is what Transcribe returns to the caller.
type Result struct {
	Status        string
	SubtitlesText string
	SubtitlesPath string
	Warnings      []string
}

// Service orchestrates one transcription request end to end.
type Service struct {
	Config    *config.Config
	Sessions  *sessionmgr.Manager
	Admission *admission.Pool
	VAD       *vad.Pool
	Fetcher   fetch.Fetcher
	Converter postprocess.ScriptConverter
	// Progress, if set, receives per-unit events as a job runs so a
	// caller can attach a websocket and watch it land in real time. Nil
	// is fine: Submit and Transcribe both treat a nil Hub as a no-op.
	Progress *progress.Hub
}

// Job is a handle to an in-flight or finished transcription, returned by
// Submit so a caller can learn the session_id before the work completes
// (needed to attach a progress websocket) without blocking on the result.
type Job struct {
	SessionID string
	Done      <-chan struct{}

	result Result
	err    error
}

// Result returns the job's outcome. Only valid after Done is closed.
func (j *Job) Result() (Result, error) { return j.result, j.err }

// Transcribe runs a job to completion and returns its result, for callers
// that have no use for progress streaming (the CLI entrypoint).
func (s *Service) Transcribe(ctx context.Context, req Request) (Result, error) {
	job, err := s.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	<-job.Done
	return job.Result()
}

// Submit opens the session synchronously (so the caller learns
// SessionID immediately, in time to attach a progress websocket) and
// runs the rest of the control flow in a background goroutine. Session
// cleanup runs unconditionally, on every exit path, once the goroutine
// returns.
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	session, err := s.Sessions.Open()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if log := logger.WithSession(session.ID, req.RequestID); log != nil {
		log.Info("job_submitted", "audio_source", req.AudioSource, "parallel", req.Parallel, "language", req.Language)
	}

	done := make(chan struct{})
	job := &Job{SessionID: session.ID, Done: done}

	go func() {
		defer close(done)
		defer s.Sessions.Close(session)
		if s.Progress != nil {
			defer s.Progress.Close(session.ID)
		}
		job.result, job.err = s.runJob(ctx, session, req)
	}()

	return job, nil
}

// runJob executes the full pipeline: decode, segment, partition, dispatch,
// merge, convert, write.
func (s *Service) runJob(ctx context.Context, session *sessionmgr.Session, req Request) (Result, error) {
	srcPath, err := s.resolveSource(ctx, req.AudioSource, session)
	if err != nil {
		return Result{}, err
	}

	buffer, err := audioio.Load(srcPath)
	if err != nil {
		return Result{}, &InputError{Err: err}
	}

	regions, err := s.segment(ctx, buffer, req)
	if err != nil {
		return Result{}, err
	}

	devices := s.Config.Devices()
	mode := admission.ModeSingle
	if req.Parallel && len(devices) > 1 {
		mode = admission.ModeParallel
	} else {
		devices = devices[:1]
	}

	bounds := partition.Bounds{MinUnitS: s.Config.Partition.MinUnitS, MaxUnitS: s.Config.Partition.MaxUnitS}
	units := partition.Partition(regions, buffer.Samples, buffer.SampleRate, len(devices), bounds)

	if len(units) == 0 {
		if log := logger.WithSession(session.ID, req.RequestID); log != nil {
			log.Info("no_speech_detected", "duration_s", buffer.DurationS)
		}
		return s.finalize(session, nil, nil, req)
	}

	modelName := req.ModelName
	if modelName == "" {
		modelName = s.Config.Pool.ModelName
	}
	precision := req.Precision
	if precision == "" {
		precision = s.Config.Pool.Precision
	}
	modelKey := pipeline.ModelKey{ModelName: modelName, Precision: precision}

	deadline := time.Duration(s.Config.Admission.AcquireDeadlineS) * time.Second
	acquireCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	handle, err := s.Admission.Acquire(acquireCtx, mode, modelKey)
	if err != nil {
		return Result{}, fmt.Errorf("admission: %w", err)
	}
	defer handle.Release()

	var onProgress func(pipeline.UnitResult)
	if s.Progress != nil {
		sessionID := session.ID
		requestID := req.RequestID
		onProgress = func(res pipeline.UnitResult) {
			ev := progress.Event{SessionID: sessionID, RequestID: requestID, UnitID: res.UnitID, Status: string(res.Status), ElapsedS: res.ElapsedS}
			if res.Retried {
				ev.Warning = "succeeded on retry (prior error: " + res.PriorError + ")"
			}
			if res.Status == pipeline.UnitFailed && res.Err != nil {
				ev.Error = res.Err.Error()
			}
			s.Progress.Publish(sessionID, ev)
		}
	}

	softCap := time.Duration(s.Config.Pool.SoftCapMultiple*maxUnitDuration(units)) * time.Second
	schedResult, err := scheduler.Run(ctx, units, handle.Engine.Pool, scheduler.Options{
		Language:   req.Language,
		Task:       req.Task,
		SoftCap:    softCap,
		WorkDir:    session.WorkDir,
		OnProgress: onProgress,
	})
	if err != nil {
		return Result{}, fmt.Errorf("scheduler: %w", err)
	}

	return s.finalize(session, schedResult.Segments, schedResult.Warnings, req)
}

func (s *Service) resolveSource(ctx context.Context, source string, session *sessionmgr.Session) (string, error) {
	if looksLikeURL(source) {
		if s.Fetcher == nil {
			return "", &InputError{Err: fmt.Errorf("remote source given but no fetcher configured: %s", source)}
		}
		localPath, _, err := s.Fetcher.Fetch(ctx, source, s.Config.Session.DownloadsRoot)
		if err != nil {
			return "", fmt.Errorf("fetch: %w", err)
		}
		source = localPath
	}

	copied, err := session.CopyInput(source)
	if err != nil {
		return "", &InputError{Err: err}
	}
	return copied, nil
}

func looksLikeURL(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}

func (s *Service) segment(ctx context.Context, buffer *audioio.Buffer, req Request) ([]pipeline.SpeechRegion, error) {
	if !req.UseVAD {
		return []pipeline.SpeechRegion{{StartS: 0, EndS: buffer.DurationS}}, nil
	}

	minRegionS := s.Config.VAD.MinRegionS
	regions, err := s.VAD.DetectRegions(ctx, buffer.Samples, buffer.SampleRate, minRegionS)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	if req.MinSilenceS > 0 {
		regions = vad.MergeClose(regions, req.MinSilenceS)
	}

	out := make([]pipeline.SpeechRegion, 0, len(regions))
	for _, r := range regions {
		out = append(out, pipeline.SpeechRegion{StartS: r.StartS, EndS: r.EndS})
	}
	return out, nil
}

func (s *Service) finalize(session *sessionmgr.Session, segments []pipeline.TextSegment, warnings []string, req Request) (Result, error) {
	if req.Merge {
		maxChars := req.MaxChars
		if maxChars <= 0 {
			maxChars = s.Config.PostProcess.MaxCharsPerLine
		}
		segments = postprocess.Merge(segments, postprocess.MergeConfig{
			MaxCharsPerLine: maxChars,
			GapS:            s.Config.PostProcess.MergeGapS,
			Language:        req.Language,
		})
	}

	if req.ConvertScript {
		converted, convWarnings := postprocess.ConvertScript(segments, req.Language, s.Converter)
		segments = converted
		warnings = append(warnings, convWarnings...)
	}

	records := make([]srt.Record, 0, len(segments))
	for _, seg := range segments {
		records = append(records, srt.Record{StartS: seg.StartS, EndS: seg.EndS, Text: seg.Text})
	}
	doc := srt.Render(records)

	outPath, err := writeOutput(s.Config.Session.OutputsRoot, session.ID, doc)
	if err != nil {
		if log := logger.WithSession(session.ID, req.RequestID); log != nil {
			log.Warn("write_output_failed", "error", err)
		}
	} else {
		session.AddOutput(outPath)
	}

	return Result{
		Status:        "ok",
		SubtitlesText: doc,
		SubtitlesPath: outPath,
		Warnings:      warnings,
	}, nil
}

func writeOutput(outputsRoot, sessionID, doc string) (string, error) {
	if err := os.MkdirAll(outputsRoot, 0o755); err != nil {
		return "", fmt.Errorf("prepare outputs root: %w", err)
	}
	path := filepath.Join(outputsRoot, sessionID+".srt")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("write srt: %w", err)
	}
	return path, nil
}

func maxUnitDuration(units []pipeline.WorkUnit) float64 {
	var max float64
	for _, u := range units {
		d := u.Region.EndS - u.Region.StartS
		if d > max {
			max = d
		}
	}
	return max
}
