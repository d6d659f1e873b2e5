package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/metering"
	"github.com/accproxy/accproxy/internal/security"
)

// Analyzer is the slice of the security engine the interceptor needs.
type Analyzer interface {
	AnalyzeResponse(ctx context.Context, in *security.Input, kill security.KillFunc) *security.Summary
}

// Config tunes how often buffered output is re-analyzed.
type Config struct {
	AnalyzeEveryChunks int
	AnalyzeEveryBytes  int
}

// Interceptor sits between the upstream SSE body and the client,
// accounting tokens and letting the security engine stop the stream
// mid-flight.
type Interceptor struct {
	analyzer Analyzer
	logger   *zap.Logger
	cfg      Config
}

func NewInterceptor(analyzer Analyzer, cfg Config, logger *zap.Logger) *Interceptor {
	if cfg.AnalyzeEveryChunks <= 0 {
		cfg.AnalyzeEveryChunks = 10
	}
	if cfg.AnalyzeEveryBytes <= 0 {
		cfg.AnalyzeEveryBytes = 4096
	}
	return &Interceptor{analyzer: analyzer, logger: logger.Named("interceptor"), cfg: cfg}
}

// frame is one SSE event as read from upstream, raw bytes included so
// forwarding is byte-faithful.
type frame struct {
	raw  []byte
	data []byte
}

// EmitFunc delivers one SSE frame downstream. Implementations flush
// after each call.
type EmitFunc func(raw []byte) error

// Result is what the pipeline needs for billing after a stream ends.
type Result struct {
	Usage     metering.Usage
	Estimated bool
	Killed    bool
	Reason    string
}

// Run pumps upstream frames to emit until the stream ends, the
// context is cancelled, or a kill lands. The upstream body is always
// drained or closed before returning.
func (i *Interceptor) Run(ctx context.Context, session *Session, upstream io.ReadCloser, emit EmitFunc) (*Result, error) {
	defer upstream.Close()

	frames := make(chan frame, 8)
	readErr := make(chan error, 1)
	go readFrames(upstream, frames, readErr)

	var (
		sinceAnalysis      int
		bytesSinceAnalysis int
	)

	for {
		// Termination wins races with forwarding. A kill decision that
		// arrives between two chunks drops every subsequent chunk, even
		// when the frame pump is ahead of the client and frames are
		// already buffered.
		select {
		case reason := <-session.killCh:
			return i.terminate(session, emit, reason), nil
		case <-ctx.Done():
			return i.disconnect(session), ctx.Err()
		default:
		}

		select {
		case reason := <-session.killCh:
			return i.terminate(session, emit, reason), nil

		case <-ctx.Done():
			return i.disconnect(session), ctx.Err()

		case f, ok := <-frames:
			if !ok {
				// A kill that lands just as the upstream ends is still
				// honored, not reported as a clean completion.
				select {
				case reason := <-session.killCh:
					return i.terminate(session, emit, reason), nil
				default:
				}
				if err := <-readErr; err != nil && err != io.EOF {
					session.transition(StateTerminated, "upstream read error")
					usage, estimated := session.Usage()
					return &Result{Usage: usage, Estimated: estimated, Killed: true, Reason: "upstream error"}, err
				}
				session.transition(StateCompleted, "")
				usage, estimated := session.Usage()
				return &Result{Usage: usage, Estimated: estimated}, nil
			}

			text := session.acc.Feed(f.data)
			session.noteChunk()
			if err := emit(f.raw); err != nil {
				session.transition(StateTerminated, "client write failed")
				usage, estimated := session.Usage()
				return &Result{Usage: usage, Estimated: estimated, Killed: true, Reason: "client write failed"}, err
			}

			sinceAnalysis++
			bytesSinceAnalysis += len(text)
			if sinceAnalysis >= i.cfg.AnalyzeEveryChunks || bytesSinceAnalysis >= i.cfg.AnalyzeEveryBytes {
				i.analyze(ctx, session)
				sinceAnalysis, bytesSinceAnalysis = 0, 0
			}
		}
	}
}

// terminate ends the stream on a security kill: state transition,
// termination frames to the client, billing result for the caller.
func (i *Interceptor) terminate(session *Session, emit EmitFunc, reason string) *Result {
	session.transition(StateTerminated, reason)
	i.logger.Warn("stream terminated",
		zap.String("session_id", session.ID),
		zap.String("reason", reason),
		zap.Int("chunks_forwarded", session.ChunkCount()))
	i.emitTermination(session, emit, reason)
	usage, estimated := session.Usage()
	return &Result{Usage: usage, Estimated: estimated, Killed: true, Reason: reason}
}

func (i *Interceptor) disconnect(session *Session) *Result {
	session.transition(StateTerminated, "client disconnected")
	usage, estimated := session.Usage()
	return &Result{Usage: usage, Estimated: estimated, Killed: true, Reason: "client disconnected"}
}

// analyze hands the buffered assistant text to the security engine.
// Findings from async detectors land on the session's kill channel.
func (i *Interceptor) analyze(ctx context.Context, session *Session) {
	if i.analyzer == nil {
		return
	}
	content := session.Content()
	if content == "" {
		return
	}
	usage, _ := session.Usage()
	in := &security.Input{
		RequestID:    session.ID,
		UserID:       session.Principal.UserID,
		AgentID:      session.Principal.AgentID,
		Content:      content,
		SizeBytes:    len(content),
		OutputTokens: usage.OutputTokens,
		At:           time.Now(),
	}
	summary := i.analyzer.AnalyzeResponse(ctx, in, session.Kill)
	if summary.HasAction(security.ActionBlock) || summary.HasAction(security.ActionKill) {
		threat := "policy_violation"
		if list := summary.ThreatTypeList(); len(list) > 0 {
			threat = list[0]
		}
		session.Kill(threat)
	}
}

// emitTermination tells the client why the stream stopped, then ends
// the event stream cleanly.
func (i *Interceptor) emitTermination(session *Session, emit EmitFunc, reason string) {
	payload := fmt.Sprintf(
		`{"type":"error","error":{"type":"stream_terminated","message":"stream terminated by security policy: %s"}}`,
		reason)
	_ = emit([]byte("event: error\ndata: " + payload + "\n\n"))
	_ = emit([]byte("data: [DONE]\n\n"))
}

// readFrames splits the upstream body into SSE events on blank lines.
// Each frame's raw bytes are preserved for byte-faithful forwarding.
func readFrames(r io.Reader, frames chan<- frame, readErr chan<- error) {
	defer close(frames)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var raw bytes.Buffer
	var data []byte
	flush := func() {
		if raw.Len() == 0 {
			return
		}
		frames <- frame{raw: append([]byte(nil), raw.Bytes()...), data: data}
		raw.Reset()
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteString("\n")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	readErr <- scanner.Err()
}
