package call

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	llmmock "github.com/voxhall/voxhall/pkg/provider/llm/mock"
	sttmock "github.com/voxhall/voxhall/pkg/provider/stt/mock"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	ttsmock "github.com/voxhall/voxhall/pkg/provider/tts/mock"
	vadmock "github.com/voxhall/voxhall/pkg/provider/vad/mock"
	"github.com/voxhall/voxhall/pkg/telephony"
	"github.com/voxhall/voxhall/pkg/types"
)

// fakeStream is a scripted carrier stream. Marks are echoed back on the
// event channel immediately, standing in for instant playout.
type fakeStream struct {
	mu         sync.Mutex
	inbound    chan telephony.Frame
	events     chan telephony.Event
	frames     int
	marks      []string
	cleared    int
	transfers  []string
	closeCause string
	closed     bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound: make(chan telephony.Frame, 256),
		events:  make(chan telephony.Event, 64),
	}
}

func (f *fakeStream) Info() telephony.StartInfo {
	return telephony.StartInfo{
		StreamSid: "MZ1", CallSid: "CA1",
		From: "+15135550100", To: "+15135550200",
	}
}

func (f *fakeStream) Inbound() <-chan telephony.Frame { return f.inbound }
func (f *fakeStream) Events() <-chan telephony.Event  { return f.events }

func (f *fakeStream) Send([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
}

func (f *fakeStream) ClearOutbound(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeStream) SendMark(_ context.Context, name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	f.mu.Unlock()
	f.events <- telephony.Event{Type: telephony.EventMark, Mark: name}
	return nil
}

func (f *fakeStream) SendTransfer(_ context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, to)
	return nil
}

func (f *fakeStream) Close(cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCause = cause
	}
	return nil
}

func (f *fakeStream) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marks)
}

func (f *fakeStream) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeStream) transferList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transfers...)
}

func (f *fakeStream) cause() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCause
}

func testTenant() *tenant.TenantContext {
	tc := &tenant.TenantContext{
		ID:               "acme",
		BusinessName:     "Acme Remodeling",
		AgentName:        "Sam",
		Greeting:         "Thanks for calling {businessName}, this is {agentName}.",
		EscalationNumber: "+15135550911",
		Voice:            tenant.VoiceConfig{Provider: "mock", VoiceID: "v1"},
		LeadQuestions: []tenant.LeadQuestion{
			{ID: "name", Prompt: "May I have your name?"},
		},
	}
	tc.Normalize()
	return tc
}

type sessionFixture struct {
	stream  *fakeStream
	tts     *ttsmock.Provider
	llm     *llmmock.Provider
	vad     *vadmock.Session
	stt     *scriptedSTT
	sttSess *sttmock.Session
	sink    *captureSink
}

func newSessionFixture(t *testing.T, mutate func(*Deps, *Config)) (*Session, *sessionFixture) {
	t.Helper()
	fx := &sessionFixture{
		stream: newFakeStream(),
		tts:    &ttsmock.Provider{Audio: [][]byte{make([]byte, pcmFrameBytes)}},
		llm: &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: `{"summary":"s","urgency":"low"}`},
		},
		vad:     &vadmock.Session{},
		sttSess: sttmock.NewSession(),
		sink:    &captureSink{},
	}
	fx.stt = &scriptedSTT{queue: []startResult{{sess: fx.sttSess}}}

	d := Deps{
		Media:  fx.stream,
		Tenant: testTenant(),
		VAD:    &vadmock.Engine{Session: fx.vad},
		ASR:    fx.stt,
		TTS:    fx.tts,
		LLM:    fx.llm,
		Sink:   fx.sink,
	}
	cfg := Config{
		IdleNudge:         time.Hour,
		IdleEnd:           3 * time.Hour,
		FirstTokenTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&d, &cfg)
	}
	sess, err := NewSession(cfg, d)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess, fx
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func runSession(sess *Session) chan *Artifact {
	done := make(chan *Artifact, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return done
}

func awaitArtifact(t *testing.T, done chan *Artifact) *Artifact {
	t.Helper()
	select {
	case a := <-done:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func transcriptTexts(a *Artifact) []string {
	out := make([]string, 0, len(a.Transcript))
	for _, e := range a.Transcript {
		out = append(out, e.Speaker+": "+e.Text)
	}
	return out
}

func hasLine(a *Artifact, speaker, substr string) bool {
	for _, e := range a.Transcript {
		if e.Speaker == speaker && strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}

func TestSessionGreetingThenHangup(t *testing.T) {
	sess, fx := newSessionFixture(t, nil)
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if a == nil {
		t.Fatal("artifact is nil")
	}
	if a.TerminalCause != "hangup" {
		t.Errorf("terminal_cause = %q, want hangup", a.TerminalCause)
	}
	if !hasLine(a, "agent", "Thanks for calling Acme Remodeling, this is Sam.") {
		t.Errorf("greeting missing from transcript: %v", transcriptTexts(a))
	}
	if fx.sink.last == nil {
		t.Error("artifact was not delivered to the sink")
	}
	if fx.stream.cause() != "hangup" {
		t.Errorf("media close cause = %q", fx.stream.cause())
	}
	if len(fx.tts.SynthesizeCalls) != 1 {
		t.Errorf("synthesize calls = %d, want greeting only", len(fx.tts.SynthesizeCalls))
	}
}

func TestSessionCallerTurn(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{Text: "I can help with that. "},
			{FinishReason: llm.FinishStop},
		}}
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "Can you check on my kitchen remodel?", IsFinal: true,
		Timestamp: 2 * time.Second, Duration: 2 * time.Second,
	})
	waitFor(t, func() bool { return fx.stream.markCount() >= 2 }, "model turn never finished")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if !hasLine(a, "caller", "kitchen remodel") {
		t.Errorf("caller utterance missing: %v", transcriptTexts(a))
	}
	if !hasLine(a, "agent", "I can help with that.") {
		t.Errorf("agent reply missing: %v", transcriptTexts(a))
	}

	if len(fx.llm.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(fx.llm.StreamCalls))
	}
	req := fx.llm.StreamCalls[0].Req
	if !strings.Contains(req.SystemPrompt, "Sam") || !strings.Contains(req.SystemPrompt, "Acme Remodeling") {
		t.Errorf("system prompt missing persona: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "May I have your name?") {
		t.Errorf("system prompt missing lead question: %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "kitchen remodel") {
		t.Errorf("last message = %+v", last)
	}
	if len(req.Tools) == 0 {
		t.Error("no tool definitions offered")
	}
}

// blockingTTS drains text immediately but keeps the audio stream open until
// released, so playback states stay observable.
type blockingTTS struct {
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *blockingTTS) Name() string                       { return "blocking" }
func (p *blockingTTS) SupportsVoice(types.VoiceSpec) bool { return true }

func (p *blockingTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceSpec) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for range text {
		}
		p.mu.Lock()
		p.calls++
		p.mu.Unlock()
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *blockingTTS) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ tts.Provider = (*blockingTTS)(nil)

func TestSessionBargeInDuringGreeting(t *testing.T) {
	blocking := &blockingTTS{release: make(chan struct{})}
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.TTS = blocking
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{Text: "Sure, go ahead. "},
			{FinishReason: llm.FinishStop},
		}}
	})
	done := runSession(sess)

	// Let the greeting enter synthesis, then speak over it.
	waitFor(t, func() bool { return blocking.callCount() >= 1 }, "greeting never entered synthesis")
	fx.vad.EventQueue = []types.VADEvent{{Type: types.VADSpeechStart}}
	fx.stream.inbound <- telephony.Frame{Seq: 1, Payload: make([]byte, 160)}

	waitFor(t, func() bool { return fx.stream.clearCount() >= 1 }, "outbound audio never cleared")
	close(blocking.release)

	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "I have a question.", IsFinal: true,
		Timestamp: time.Second, Duration: time.Second,
	})
	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "reply turn never finished")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if fx.stream.clearCount() != 1 {
		t.Errorf("clear count = %d, want 1", fx.stream.clearCount())
	}
	if !hasLine(a, "caller", "I have a question.") {
		t.Errorf("caller line missing: %v", transcriptTexts(a))
	}
	if !hasLine(a, "agent", "Sure, go ahead.") {
		t.Errorf("reply missing: %v", transcriptTexts(a))
	}
}

func TestSessionIdleLadderTimesOut(t *testing.T) {
	sess, fx := newSessionFixture(t, func(_ *Deps, cfg *Config) {
		cfg.IdleNudge = 30 * time.Millisecond
		cfg.IdleEnd = 90 * time.Millisecond
	})
	done := runSession(sess)

	a := awaitArtifact(t, done)
	if a.TerminalCause != "timeout" {
		t.Fatalf("terminal_cause = %q, want timeout", a.TerminalCause)
	}

	calls := fx.tts.SynthesizeCalls
	if len(calls) != 4 {
		t.Fatalf("synthesize calls = %d, want greeting + 2 nudges + goodbye", len(calls))
	}
	if calls[1].Text != tenant.DefaultNudgeLine || calls[2].Text != tenant.DefaultNudgeLine {
		t.Errorf("nudge lines = %q, %q", calls[1].Text, calls[2].Text)
	}
	if calls[3].Text != tenant.DefaultGoodbyeLine {
		t.Errorf("closing line = %q, want goodbye", calls[3].Text)
	}
	if !hasLine(a, "agent", tenant.DefaultGoodbyeLine) {
		t.Errorf("goodbye missing from transcript: %v", transcriptTexts(a))
	}
}

func TestSessionIdleResumesAfterNoiseBlip(t *testing.T) {
	sess, fx := newSessionFixture(t, func(_ *Deps, cfg *Config) {
		cfg.IdleNudge = 40 * time.Millisecond
		cfg.IdleEnd = 120 * time.Millisecond
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")

	// A burst too short for an utterance: the detector reports the start,
	// then a silence verdict instead of a speech end.
	fx.vad.EventQueue = []types.VADEvent{
		{Type: types.VADSpeechStart},
		{Type: types.VADSilence},
	}
	fx.stream.inbound <- telephony.Frame{Seq: 1, Payload: make([]byte, 160)}
	fx.stream.inbound <- telephony.Frame{Seq: 2, Payload: make([]byte, 160)}

	a := awaitArtifact(t, done)
	if a.TerminalCause != "timeout" {
		t.Fatalf("terminal_cause = %q, want timeout from the resumed idle ladder", a.TerminalCause)
	}
}

func TestSessionDrainsParkedTranscriptsInOrder(t *testing.T) {
	blocking := &blockingTTS{release: make(chan struct{})}
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.TTS = blocking
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{Text: "Both noted. "},
			{FinishReason: llm.FinishStop},
		}}
	})
	done := runSession(sess)

	waitFor(t, func() bool { return blocking.callCount() >= 1 }, "greeting never entered synthesis")
	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "I have a question.", IsFinal: true,
	})
	// Give the loop a beat to park the transcript behind the playing greeting.
	time.Sleep(30 * time.Millisecond)

	fx.vad.EventQueue = []types.VADEvent{{Type: types.VADSpeechStart}}
	fx.stream.inbound <- telephony.Frame{Seq: 1, Payload: make([]byte, 160)}
	waitFor(t, func() bool { return fx.stream.clearCount() >= 1 }, "barge-in never cut playback")
	close(blocking.release)

	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u2", Text: "About my kitchen remodel.", IsFinal: true,
	})
	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "model turn never finished")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if len(fx.llm.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(fx.llm.StreamCalls))
	}
	msgs := fx.llm.StreamCalls[0].Req.Messages
	last := msgs[len(msgs)-1]
	want := "I have a question. About my kitchen remodel."
	if last.Role != "user" || last.Content != want {
		t.Errorf("model saw %q, want parked transcript first: %q", last.Content, want)
	}
	if !hasLine(a, "caller", "I have a question.") || !hasLine(a, "caller", "kitchen remodel") {
		t.Errorf("caller transcript incomplete: %v", transcriptTexts(a))
	}
}

func TestSessionEndCallTool(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{Text: "Goodbye now. "},
			{
				FinishReason: llm.FinishToolCalls,
				ToolCalls: []types.ToolCall{{
					ID: "t1", Name: "end_call", Arguments: `{"reason":"caller done"}`,
				}},
			},
		}}
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "That is all, thanks.", IsFinal: true,
	})

	a := awaitArtifact(t, done)
	if a.TerminalCause != "end_call_tool" {
		t.Errorf("terminal_cause = %q, want end_call_tool", a.TerminalCause)
	}
	if !hasLine(a, "agent", "Goodbye now.") {
		t.Errorf("closing line missing: %v", transcriptTexts(a))
	}
}

func TestSessionTransferTool(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{Text: "One moment, connecting you. "},
			{
				FinishReason: llm.FinishToolCalls,
				ToolCalls: []types.ToolCall{{
					ID: "t1", Name: "transfer_to_human", Arguments: `{"reason":"asked for a person"}`,
				}},
			},
		}}
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "Can I talk to a real person?", IsFinal: true,
	})

	a := awaitArtifact(t, done)
	if a.TerminalCause != "transfer" {
		t.Errorf("terminal_cause = %q, want transfer", a.TerminalCause)
	}
	transfers := fx.stream.transferList()
	if len(transfers) != 1 || transfers[0] != "+15135550911" {
		t.Errorf("transfers = %v, want escalation number", transfers)
	}
}

func TestSessionSilentTransferSpeaksHandoffLine(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.LLM.(*llmmock.Provider).StreamScript = [][]llm.Chunk{{
			{
				FinishReason: llm.FinishToolCalls,
				ToolCalls: []types.ToolCall{{
					ID: "t1", Name: "transfer_to_human", Arguments: `{"reason":"asked for a person"}`,
				}},
			},
		}}
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{
		UtteranceID: "u1", Text: "Just connect me to someone.", IsFinal: true,
	})

	a := awaitArtifact(t, done)
	if a.TerminalCause != "transfer" {
		t.Fatalf("terminal_cause = %q, want transfer", a.TerminalCause)
	}
	transfers := fx.stream.transferList()
	if len(transfers) != 1 || transfers[0] != "+15135550911" {
		t.Errorf("transfers = %v, want escalation number", transfers)
	}
	if !hasLine(a, "agent", tenant.DefaultHandoffLine) {
		t.Errorf("handoff line missing before silent transfer: %v", transcriptTexts(a))
	}
}

func TestSessionDegradedDTMFCapture(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.ASR = &scriptedSTT{DefaultErr: context.DeadlineExceeded}
	})
	done := runSession(sess)

	// Greeting, then the degraded announcement.
	waitFor(t, func() bool { return fx.stream.markCount() >= 2 }, "degraded line never spoken")
	for _, digit := range "5135550123" {
		fx.stream.events <- telephony.Event{Type: telephony.EventDTMF, Digit: string(digit)}
	}
	waitFor(t, func() bool { return fx.stream.markCount() >= 3 }, "handoff line never spoken")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if a.Lead == nil || a.Lead.Answers["phone"] != "5135550123" {
		t.Fatalf("lead = %+v, want captured phone number", a.Lead)
	}

	var sawDegraded, sawHandoff bool
	for _, c := range fx.tts.SynthesizeCalls {
		if c.Text == tenant.DefaultASRDegradedLine {
			sawDegraded = true
		}
		if c.Text == tenant.DefaultHandoffLine {
			sawHandoff = true
		}
	}
	if !sawDegraded || !sawHandoff {
		t.Errorf("degraded=%v handoff=%v in synth calls", sawDegraded, sawHandoff)
	}
}

// hangLLM opens streams that never produce a chunk.
type hangLLM struct{}

func (hangLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return make(chan llm.Chunk), nil
}

func (hangLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "{}"}, nil
}

func (hangLLM) CountTokens([]types.Message) (int, error)  { return 0, nil }
func (hangLLM) Capabilities() types.ModelCapabilities      { return types.ModelCapabilities{} }

func TestSessionFirstTokenTimeoutSpeaksApology(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, cfg *Config) {
		d.LLM = hangLLM{}
		cfg.FirstTokenTimeout = 50 * time.Millisecond
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{UtteranceID: "u1", Text: "Hello?", IsFinal: true})
	waitFor(t, func() bool { return fx.stream.markCount() >= 2 }, "apology never spoken")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if !hasLine(a, "agent", tenant.DefaultApologyLine) {
		t.Errorf("apology missing: %v", transcriptTexts(a))
	}
	if a.TerminalCause != "hangup" {
		t.Errorf("terminal_cause = %q, want hangup", a.TerminalCause)
	}
}

func TestSessionLLMFailureSpeaksFallback(t *testing.T) {
	sess, fx := newSessionFixture(t, func(d *Deps, _ *Config) {
		d.LLM.(*llmmock.Provider).StreamErr = context.DeadlineExceeded
	})
	done := runSession(sess)

	waitFor(t, func() bool { return fx.stream.markCount() >= 1 }, "greeting never finished")
	fx.sttSess.EmitFinal(types.Transcript{UtteranceID: "u1", Text: "Hello?", IsFinal: true})
	waitFor(t, func() bool { return fx.stream.markCount() >= 2 }, "fallback never spoken")
	fx.stream.events <- telephony.Event{Type: telephony.EventStop}

	a := awaitArtifact(t, done)
	if !hasLine(a, "agent", tenant.DefaultLLMUnavailableLine) {
		t.Errorf("fallback line missing: %v", transcriptTexts(a))
	}
}

func TestNewSessionValidatesDeps(t *testing.T) {
	if _, err := NewSession(Config{}, Deps{}); err == nil {
		t.Fatal("NewSession accepted empty deps")
	}
}
