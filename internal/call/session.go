package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall/internal/convo"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/internal/tools"
	"github.com/voxhall/voxhall/pkg/project"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/provider/vad"
	"github.com/voxhall/voxhall/pkg/telephony"
	"github.com/voxhall/voxhall/pkg/types"
)

// MediaStream is the transport surface the session drives. Satisfied by
// [telephony.MediaSession]; tests substitute a scripted fake.
type MediaStream interface {
	Info() telephony.StartInfo
	Inbound() <-chan telephony.Frame
	Events() <-chan telephony.Event
	Send(frame []byte)
	ClearOutbound(ctx context.Context) error
	SendMark(ctx context.Context, name string) error
	SendTransfer(ctx context.Context, to string) error
	Close(cause string) error
}

var _ MediaStream = (*telephony.MediaSession)(nil)

// State is the session's dialog state. Transitions happen only on the event
// loop goroutine.
type State int

const (
	StateInit State = iota
	StateGreeting
	StateListening
	StateNudging
	StateThinking
	StateToolRunning
	StateSpeaking
	StateTransferring
	StateEnded
)

// String returns the state's snake_case name for logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateNudging:
		return "nudging"
	case StateThinking:
		return "thinking"
	case StateToolRunning:
		return "tool_running"
	case StateSpeaking:
		return "speaking"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

const (
	// maxToolRounds caps tool-call loops within one caller turn.
	maxToolRounds = 4

	// degradedPhoneDigits is how many DTMF digits complete the degraded-mode
	// callback-number capture.
	degradedPhoneDigits = 10

	// finalizeTimeout bounds post-call artifact assembly and delivery.
	finalizeTimeout = 30 * time.Second
)

// Config tunes one session's timing. Zero durations select the defaults.
type Config struct {
	// VAD configures the voice activity detector for this call.
	VAD vad.Config

	// ASR configures the recognizer stream.
	ASR stt.StreamConfig

	// IdleNudge is the silence interval between idle prompts. Default 8 s.
	IdleNudge time.Duration

	// IdleEnd is the total silence after which the call is closed with a
	// goodbye. Default 24 s.
	IdleEnd time.Duration

	// FirstTokenTimeout bounds the wait for the model's first streamed
	// token. Default 6 s.
	FirstTokenTimeout time.Duration

	// Window is the conversation rolling-window size in turns. Zero uses the
	// engine default.
	Window int
}

func (c *Config) applyDefaults() {
	if c.IdleNudge <= 0 {
		c.IdleNudge = 8 * time.Second
	}
	if c.IdleEnd <= 0 {
		c.IdleEnd = 24 * time.Second
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = 6 * time.Second
	}
}

// Deps are the providers one session runs against. Media, Tenant, VAD, ASR,
// TTS, and LLM are required; the rest may be nil.
type Deps struct {
	Media    MediaStream
	Tenant   *tenant.TenantContext
	VAD      vad.Engine
	ASR      stt.Provider
	TTS      tts.Provider
	LLM      llm.Provider
	Projects project.Provider
	Sink     ArtifactSink
	Metrics  *observe.Metrics
}

func (d *Deps) validate() error {
	var errs []error
	if d.Media == nil {
		errs = append(errs, errors.New("media stream is required"))
	}
	if d.Tenant == nil {
		errs = append(errs, errors.New("tenant context is required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if d.ASR == nil {
		errs = append(errs, errors.New("asr provider is required"))
	}
	if d.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if d.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("call: invalid session deps: %w", err)
	}
	return nil
}

type evKind int

const (
	evSpeechStart evKind = iota
	evSpeechEnd
	evFinal
	evAsrDown
	evDTMF
	evMark
	evStop
	evTransportError
	evPhase
	evTurnDone
	evToolDone
)

type sessionEvent struct {
	kind       evKind
	transcript types.Transcript
	digit      string
	mark       string
	err        error
	state      State
	done       *turnDone
	tool       ToolCallRecord
}

// turnKind identifies what a speech turn was, for post-turn routing.
type turnKind int

const (
	turnGreeting turnKind = iota
	turnNudge
	turnModel
	turnGoodbye
	turnApology
	turnFallback
	turnDegraded
	turnHandoff
)

// turnDone reports a finished speech turn from its worker goroutine.
type turnDone struct {
	kind      turnKind
	text      string
	mark      string
	directive *tools.Directive
	timedOut  bool
	err       error
}

// Session orchestrates one call: media in, VAD, ASR, the conversation
// engine, TTS out, and the post-call finalizer. All dialog state is owned by
// the single event-loop goroutine inside Run.
type Session struct {
	cfg Config

	media       MediaStream
	ten         *tenant.TenantContext
	vadEngine   vad.Engine
	asrProvider stt.Provider
	tts         tts.Provider
	llm         llm.Provider
	metrics     *observe.Metrics
	finalizer   *Finalizer
	log         *slog.Logger

	rec      *Record
	engine   *convo.Engine
	registry *tools.Registry
	env      *tools.Env
	voice    types.VoiceSpec
	asr      *asrSession

	events chan sessionEvent

	// Event-loop-owned state. Never touched off the loop goroutine.
	state           State
	curKind         turnKind
	curMark         string
	curSpeaker      *speaker
	speakCancel     context.CancelFunc
	pending         *turnDone
	echoed          string
	pendingFinals   []types.Transcript
	handoff         *tools.Directive
	turnStart       time.Duration
	speechEnd       time.Time
	idle            *time.Timer
	nudges          int
	degraded        bool
	degradedPending bool
	phone           string
}

// NewSession wires a session for an accepted call. The call does not start
// until Run.
func NewSession(cfg Config, d Deps) (*Session, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	info := d.Media.Info()
	rec := NewRecord(uuid.NewString(), d.Tenant.ID, info.From, info.To)
	registry := tools.NewBuiltinRegistry(d.Metrics)
	env := &tools.Env{
		Tenant:   d.Tenant,
		CallerID: info.From,
		Projects: d.Projects,
		Lead:     tools.NewLeadFlow(d.Tenant.LeadQuestions),
	}

	opts := []convo.Option{convo.WithTools(registry.Definitions())}
	if cfg.Window > 0 {
		opts = append(opts, convo.WithWindow(cfg.Window))
	}
	engine := convo.New(d.LLM, buildSystemPrompt(d.Tenant), opts...)

	voice := d.Tenant.Voice.Spec()
	if !d.TTS.SupportsVoice(voice) {
		if alt := d.Tenant.SecondaryVoice.Spec(); alt.VoiceID != "" && d.TTS.SupportsVoice(alt) {
			slog.Warn("primary voice unsupported, using secondary",
				"tenant", d.Tenant.ID, "voice", voice.VoiceID, "secondary", alt.VoiceID)
			voice = alt
		}
	}

	return &Session{
		cfg:         cfg,
		media:       d.Media,
		ten:         d.Tenant,
		vadEngine:   d.VAD,
		asrProvider: d.ASR,
		tts:         d.TTS,
		llm:         d.LLM,
		metrics:     d.Metrics,
		finalizer:   NewFinalizer(d.LLM, d.Projects, d.Sink, d.Metrics),
		log: slog.Default().With(
			"call_id", rec.CallID, "tenant", d.Tenant.ID, "from", info.From),
		rec:      rec,
		engine:   engine,
		registry: registry,
		env:      env,
		voice:    voice,
		events:   make(chan sessionEvent, 64),
		state:    StateInit,
	}, nil
}

// CallID returns the locally assigned call identifier.
func (s *Session) CallID() string { return s.rec.CallID }

// Run drives the call to completion and returns the emitted artifact, or nil
// when the call never reached the greeting.
func (s *Session) Run(ctx context.Context) *Artifact {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.metrics != nil {
		s.metrics.CallStarted(ctx)
		defer s.metrics.CallEnded(ctx)
	}
	s.log.Info("call started", "to", s.rec.To)

	vsess, err := s.vadEngine.NewSession(s.cfg.VAD)
	if err != nil {
		s.log.Error("vad session failed", "error", err)
		_ = s.media.Close("setup failed")
		return nil
	}
	defer vsess.Close()

	asr, err := newASRSession(ctx, s.asrProvider, s.cfg.ASR)
	if err != nil {
		s.log.Error("recognizer start failed, degrading", "error", err)
		s.degraded = true
		s.degradedPending = true
	}
	s.asr = asr

	go s.pumpMedia(ctx)
	go s.pumpAudio(ctx, vsess)
	if s.asr != nil {
		go s.pumpFinals(ctx)
	}

	s.startCanned(ctx, s.ten.RenderGreeting(), turnGreeting)

	for s.state != StateEnded {
		select {
		case <-ctx.Done():
			s.end(types.CauseTransportError)
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-s.idleC():
			s.handleIdle(ctx)
		}
	}

	s.cancelSpeech()
	s.stopIdle()
	cancel()
	if s.asr != nil {
		_ = s.asr.Close()
	}
	_ = s.media.Close(string(s.rec.Cause))

	for id, ans := range s.env.Lead.Answers() {
		s.rec.SetLeadAnswer(id, ans)
	}
	if len(s.ten.LeadQuestions) > 0 {
		s.rec.LeadCompleted = s.env.Lead.Complete()
	}
	if s.env.MatchedProjectID != "" {
		s.rec.MatchedProjectID = s.env.MatchedProjectID
	}

	s.log.Info("call ended",
		"cause", s.rec.Cause, "duration_s", s.rec.DurationSeconds(),
		"utterances", len(s.rec.Utterances), "tool_calls", len(s.rec.ToolCalls))

	fctx, fcancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer fcancel()
	return s.finalizer.Run(fctx, s.rec)
}

// handle dispatches one event on the loop goroutine.
func (s *Session) handle(ctx context.Context, ev sessionEvent) {
	switch ev.kind {
	case evSpeechStart:
		s.handleSpeechStart(ctx)
	case evSpeechEnd:
		s.speechEnd = time.Now()
		if s.state == StateListening {
			s.armIdle()
		}
	case evFinal:
		s.handleFinal(ctx, ev.transcript)
	case evAsrDown:
		s.handleAsrDown(ctx)
	case evDTMF:
		s.handleDTMF(ctx, ev.digit)
	case evMark:
		s.handleMark(ctx, ev.mark)
	case evStop:
		s.end(types.CauseHangup)
	case evTransportError:
		s.log.Error("media transport failed", "error", ev.err)
		s.end(types.CauseTransportError)
	case evPhase:
		if s.state == StateThinking || s.state == StateToolRunning || s.state == StateSpeaking {
			s.state = ev.state
		}
	case evTurnDone:
		s.handleTurnDone(ctx, ev.done)
	case evToolDone:
		s.rec.AddToolCall(ev.tool)
	}
}

// handleSpeechStart resets the idle ladder and, when the agent is mid-
// playback, performs the barge-in cutover.
func (s *Session) handleSpeechStart(ctx context.Context) {
	s.nudges = 0
	s.stopIdle()

	switch s.state {
	case StateGreeting, StateNudging, StateSpeaking:
	default:
		return
	}

	began := time.Now()
	s.cancelSpeech()
	if err := s.media.ClearOutbound(ctx); err != nil {
		s.log.Warn("clear outbound failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.BargeInCutover.Record(ctx, time.Since(began).Seconds())
	}

	var spoken string
	if s.curSpeaker != nil {
		spoken = strings.TrimSpace(strings.Join(s.curSpeaker.Spoken(), " "))
	}
	// A model turn cut before the stream finished never made it into
	// history; note the part the caller actually heard.
	if s.curKind == turnModel && s.pending == nil && spoken != "" {
		s.engine.NoteAgentLine(spoken)
	}
	s.rec.AddAgentTurn(spoken, s.turnStart, s.since(), true)
	s.log.Debug("barge-in", "state", s.state.String(), "spoken", spoken != "")

	s.pending = nil
	s.echoed = ""
	s.curMark = ""
	s.curSpeaker = nil
	s.handoff = nil
	s.state = StateListening
}

func (s *Session) handleFinal(ctx context.Context, t types.Transcript) {
	if s.metrics != nil && !s.speechEnd.IsZero() {
		s.metrics.ASRLatency.Record(ctx, time.Since(s.speechEnd).Seconds())
	}
	s.rec.AddUtterance(t)
	if s.state != StateListening {
		s.pendingFinals = append(s.pendingFinals, t)
		return
	}
	// Transcripts parked while a turn was in flight precede this one.
	text := t.Text
	if len(s.pendingFinals) > 0 {
		parts := make([]string, 0, len(s.pendingFinals)+1)
		for _, p := range s.pendingFinals {
			parts = append(parts, p.Text)
		}
		parts = append(parts, t.Text)
		s.pendingFinals = nil
		text = strings.Join(parts, " ")
	}
	s.startThinking(ctx, text)
}

func (s *Session) handleAsrDown(ctx context.Context) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.log.Warn("transcription unavailable, switching to keypad capture")
	if s.metrics != nil {
		s.metrics.RecordProviderError(ctx, "asr", "unavailable")
	}
	if s.state == StateListening {
		s.startCanned(ctx, s.ten.Prompts.ASRDegradedLine, turnDegraded)
		return
	}
	s.degradedPending = true
}

func (s *Session) handleDTMF(ctx context.Context, digit string) {
	s.rec.Digits += digit
	if !s.degraded || len(s.phone) >= degradedPhoneDigits {
		return
	}
	s.phone += digit
	if len(s.phone) < degradedPhoneDigits {
		return
	}
	s.rec.SetLeadAnswer("phone", s.phone)
	s.log.Info("degraded callback number captured")
	s.interrupt(ctx)
	s.startCanned(ctx, s.ten.Prompts.HandoffLine, turnHandoff)
}

// handleMark fires when the carrier confirms playout reached the turn's
// marker: the caller has heard the whole turn.
func (s *Session) handleMark(ctx context.Context, mark string) {
	if mark != s.curMark {
		return
	}
	if s.pending == nil {
		// Echo outran the worker's completion event; replayed once the
		// turnDone lands.
		s.echoed = mark
		return
	}
	d := s.pending
	s.pending = nil
	s.curMark = ""
	s.curSpeaker = nil

	if d.text != "" {
		s.rec.AddAgentTurn(d.text, s.turnStart, s.since(), false)
	}
	switch {
	case d.directive != nil && d.directive.Kind == tools.DirectiveTransfer:
		if strings.TrimSpace(d.text) == "" {
			// The model transferred without saying anything; speak the
			// handoff line first.
			s.startHandoff(ctx, d.directive)
			return
		}
		s.transfer(ctx, d.directive.ToNumber)
	case d.directive != nil && d.directive.Kind == tools.DirectiveEndCall:
		s.end(types.CauseEndCallTool)
	case d.kind == turnGoodbye:
		s.end(types.CauseTimeout)
	case d.kind == turnHandoff && s.handoff != nil:
		dir := s.handoff
		s.handoff = nil
		s.transfer(ctx, dir.ToNumber)
	default:
		s.toListening(ctx)
	}
}

// startHandoff speaks the handoff line with the transfer directive parked;
// the redirect fires once the carrier confirms the line played.
func (s *Session) startHandoff(ctx context.Context, dir *tools.Directive) {
	s.startCanned(ctx, s.ten.Prompts.HandoffLine, turnHandoff)
	s.handoff = dir
}

func (s *Session) handleTurnDone(ctx context.Context, d *turnDone) {
	if s.state == StateEnded {
		return
	}
	if d.err != nil {
		if errors.Is(d.err, context.Canceled) {
			// Barge-in or teardown already moved the state machine on.
			return
		}
		s.log.Error("speech turn failed", "error", d.err)
		s.cancelSpeech()
		switch d.kind {
		case turnGoodbye:
			s.end(types.CauseTimeout)
		case turnModel:
			s.startCanned(ctx, s.ten.Prompts.LLMUnavailableLine, turnFallback)
		case turnHandoff:
			if dir := s.handoff; dir != nil {
				// The announcement failed; the transfer still happens.
				s.handoff = nil
				s.transfer(ctx, dir.ToNumber)
				return
			}
			s.toListening(ctx)
		default:
			s.toListening(ctx)
		}
		return
	}
	if d.timedOut {
		s.log.Warn("first token missed its deadline")
		s.cancelSpeech()
		s.startCanned(ctx, s.ten.Prompts.ApologyLine, turnApology)
		return
	}
	if d.mark != s.curMark {
		return
	}
	s.pending = d
	if d.kind == turnModel {
		s.state = StateSpeaking
	}
	if s.echoed == d.mark {
		s.echoed = ""
		s.handleMark(ctx, d.mark)
	}
}

func (s *Session) handleIdle(ctx context.Context) {
	s.stopIdle()
	s.nudges++
	if time.Duration(s.nudges)*s.cfg.IdleNudge >= s.cfg.IdleEnd {
		s.log.Info("idle timeout, closing call", "nudges", s.nudges-1)
		s.startCanned(ctx, s.ten.Prompts.GoodbyeLine, turnGoodbye)
		return
	}
	s.startCanned(ctx, s.ten.NudgeLine(s.nudges-1), turnNudge)
}

// toListening re-arms the idle ladder and drains any transcript that
// finalized while a turn was in flight.
func (s *Session) toListening(ctx context.Context) {
	s.state = StateListening
	s.curMark = ""
	s.curSpeaker = nil
	s.speakCancel = nil

	if s.degradedPending {
		s.degradedPending = false
		s.startCanned(ctx, s.ten.Prompts.ASRDegradedLine, turnDegraded)
		return
	}
	if len(s.pendingFinals) > 0 {
		parts := make([]string, 0, len(s.pendingFinals))
		for _, t := range s.pendingFinals {
			parts = append(parts, t.Text)
		}
		s.pendingFinals = nil
		s.startThinking(ctx, strings.Join(parts, " "))
		return
	}
	s.armIdle()
}

// startCanned speaks a fixed line (greeting, nudge, fallback) through a
// fresh speaker and notes it in conversation history.
func (s *Session) startCanned(ctx context.Context, line string, kind turnKind) {
	s.stopIdle()
	sctx, cancel := context.WithCancel(ctx)
	s.speakCancel = cancel

	mark := uuid.NewString()
	sp := newSpeaker(s.media, s.tts, s.voice, s.metrics)
	s.curMark = mark
	s.curKind = kind
	s.curSpeaker = sp
	s.turnStart = s.since()
	s.pending = nil
	s.echoed = ""

	switch kind {
	case turnGreeting:
		s.state = StateGreeting
	case turnNudge:
		s.state = StateNudging
	default:
		s.state = StateSpeaking
	}
	s.engine.NoteAgentLine(line)

	go func() {
		text := make(chan string, 1)
		text <- line
		close(text)
		err := sp.speak(sctx, text, mark)
		s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{
			kind: kind, text: line, mark: mark, err: err,
		}})
	}()
}

// startThinking launches the model turn for a finalized caller utterance.
func (s *Session) startThinking(ctx context.Context, text string) {
	s.stopIdle()
	tctx, cancel := context.WithCancel(ctx)
	s.speakCancel = cancel

	mark := uuid.NewString()
	sp := newSpeaker(s.media, s.tts, s.voice, s.metrics)
	s.curMark = mark
	s.curKind = turnModel
	s.curSpeaker = sp
	s.turnStart = s.since()
	s.pending = nil
	s.echoed = ""
	s.state = StateThinking

	go s.think(tctx, text, sp, mark)
}

// think runs one full model turn off the event loop: stream sentences into
// the speaker, execute requested tools, feed results back, repeat. The mark
// is sent after the last round so the loop learns when playout finishes.
func (s *Session) think(ctx context.Context, userText string, sp *speaker, mark string) {
	submitted := time.Now()
	turn, err := s.engine.UserTurn(ctx, userText)
	if err != nil {
		s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{kind: turnModel, err: err}})
		return
	}

	var full strings.Builder
	var directive *tools.Directive
	for round := 0; ; round++ {
		text := make(chan string, 16)
		speakErr := make(chan error, 1)
		go func() { speakErr <- sp.speak(ctx, text, "") }()

		firstCh := make(chan struct{})
		resCh := make(chan *convo.TurnResult, 1)
		errCh := make(chan error, 1)
		go func(round int) {
			first := true
			for frag := range turn.Sentences {
				if first {
					first = false
					if round == 0 {
						if s.metrics != nil {
							s.metrics.LLMFirstToken.Record(ctx, time.Since(submitted).Seconds())
						}
						close(firstCh)
					}
					s.post(ctx, sessionEvent{kind: evPhase, state: StateSpeaking})
				}
				select {
				case text <- frag:
				case <-ctx.Done():
				}
			}
			close(text)
			res, err := turn.Wait()
			if err != nil {
				errCh <- err
				return
			}
			resCh <- res
		}(round)

		var res *convo.TurnResult
		var terr error
		if round == 0 {
			timer := time.NewTimer(s.cfg.FirstTokenTimeout)
			select {
			case <-firstCh:
			case res = <-resCh:
			case terr = <-errCh:
			case <-timer.C:
				timer.Stop()
				s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{kind: turnModel, timedOut: true}})
				return
			case <-ctx.Done():
				return
			}
			timer.Stop()
		}
		if res == nil && terr == nil {
			select {
			case res = <-resCh:
			case terr = <-errCh:
			case <-ctx.Done():
				return
			}
		}
		if serr := <-speakErr; serr != nil && terr == nil && ctx.Err() == nil {
			terr = serr
		}
		if terr != nil {
			s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{kind: turnModel, err: terr}})
			return
		}

		if res.Text != "" {
			if full.Len() > 0 {
				full.WriteByte(' ')
			}
			full.WriteString(res.Text)
		}
		if len(res.ToolCalls) == 0 || round+1 >= maxToolRounds {
			break
		}

		s.post(ctx, sessionEvent{kind: evPhase, state: StateToolRunning})
		outcomes := make([]convo.ToolOutcome, 0, len(res.ToolCalls))
		for _, tc := range res.ToolCalls {
			start := s.since()
			began := time.Now()
			result, dir := s.registry.Execute(ctx, s.env, tc.Name, json.RawMessage(tc.Arguments))
			status := types.ToolCallSucceeded
			if strings.HasPrefix(result, `{"ok":false`) {
				status = types.ToolCallFailed
			}
			s.post(ctx, sessionEvent{kind: evToolDone, tool: ToolCallRecord{
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Result:    result,
				Status:    status,
				Start:     start,
				Duration:  time.Since(began),
			}})
			if dir != nil && directive == nil {
				directive = dir
			}
			outcomes = append(outcomes, convo.ToolOutcome{CallID: tc.ID, Name: tc.Name, Result: result})
		}
		if directive != nil {
			// The call is ending or transferring; no follow-up generation.
			break
		}

		s.post(ctx, sessionEvent{kind: evPhase, state: StateThinking})
		turn, err = s.engine.ToolTurn(ctx, outcomes)
		if err != nil {
			s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{kind: turnModel, err: err}})
			return
		}
	}

	if err := s.media.SendMark(ctx, mark); err != nil && ctx.Err() == nil {
		s.log.Warn("send mark failed", "error", err)
	}
	s.post(ctx, sessionEvent{kind: evTurnDone, done: &turnDone{
		kind: turnModel, text: full.String(), mark: mark, directive: directive,
	}})
}

func (s *Session) transfer(ctx context.Context, to string) {
	s.state = StateTransferring
	s.log.Info("transferring call", "to", to)
	if err := s.media.SendTransfer(ctx, to); err != nil {
		s.log.Error("transfer failed", "error", err)
		s.end(types.CauseTransportError)
		return
	}
	s.end(types.CauseTransfer)
}

// interrupt cuts the current playback without the barge-in bookkeeping.
func (s *Session) interrupt(ctx context.Context) {
	s.cancelSpeech()
	_ = s.media.ClearOutbound(ctx)
	s.pending = nil
	s.curMark = ""
	s.curSpeaker = nil
	s.handoff = nil
}

func (s *Session) end(cause types.TerminalCause) {
	s.cancelSpeech()
	s.stopIdle()
	s.rec.End(cause)
	s.state = StateEnded
}

func (s *Session) cancelSpeech() {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
}

func (s *Session) armIdle() {
	s.stopIdle()
	s.idle = time.NewTimer(s.cfg.IdleNudge)
}

func (s *Session) stopIdle() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (s *Session) idleC() <-chan time.Time {
	if s.idle == nil {
		return nil
	}
	return s.idle.C
}

func (s *Session) since() time.Duration {
	return time.Since(s.rec.StartedAt)
}

func (s *Session) post(ctx context.Context, ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// pumpAudio feeds inbound frames through VAD and forwards speech audio to
// the recognizer. Runs until the inbound channel closes.
func (s *Session) pumpAudio(ctx context.Context, vsess vad.SessionHandle) {
	asrDown := false
	talking := false
	for {
		var f telephony.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case f, ok = <-s.media.Inbound():
			if !ok {
				return
			}
		}

		if f.Gap > 0 && s.metrics != nil {
			s.metrics.AddDroppedFrames(ctx, int64(f.Gap), "inbound")
		}
		if f.Payload == nil {
			continue
		}

		ev, err := vsess.ProcessFrame(f.Payload)
		if err != nil {
			s.log.Warn("vad frame rejected", "error", err)
			continue
		}
		switch ev.Type {
		case types.VADSpeechStart:
			talking = true
			if s.asr != nil {
				s.asr.SetUtterance(uuid.NewString())
			}
			s.post(ctx, sessionEvent{kind: evSpeechStart})
		case types.VADSpeechEnd:
			talking = false
			s.post(ctx, sessionEvent{kind: evSpeechEnd})
		case types.VADSilence:
			// A silence verdict mid-utterance means the detector discarded
			// the burst as noise without a speech end. The loop still needs
			// one so the idle ladder resumes.
			if talking {
				talking = false
				s.post(ctx, sessionEvent{kind: evSpeechEnd})
			}
		}

		speech := ev.Type == types.VADSpeechStart ||
			ev.Type == types.VADSpeechContinue ||
			ev.Type == types.VADSpeechEnd
		if !speech || s.asr == nil || asrDown {
			continue
		}
		if err := s.asr.SendAudio(ctx, f.Payload); err != nil {
			switch {
			case errors.Is(err, stt.ErrUnavailable):
				asrDown = true
				s.post(ctx, sessionEvent{kind: evAsrDown})
			case errors.Is(err, stt.ErrSessionClosed):
				return
			default:
				s.log.Warn("recognizer send failed", "error", err)
			}
		}
	}
}

// pumpMedia translates carrier lifecycle events into loop events.
func (s *Session) pumpMedia(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.media.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case telephony.EventDTMF:
				s.post(ctx, sessionEvent{kind: evDTMF, digit: ev.Digit})
			case telephony.EventMark:
				s.post(ctx, sessionEvent{kind: evMark, mark: ev.Mark})
			case telephony.EventStop:
				s.post(ctx, sessionEvent{kind: evStop})
			case telephony.EventTransportError:
				s.post(ctx, sessionEvent{kind: evTransportError, err: ev.Err})
			}
		}
	}
}

// pumpFinals forwards final transcripts into the loop.
func (s *Session) pumpFinals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-s.asr.Finals():
			if !ok {
				return
			}
			if !t.IsFinal {
				continue
			}
			s.post(ctx, sessionEvent{kind: evFinal, transcript: t})
		}
	}
}

// buildSystemPrompt assembles the per-call system prompt from the tenant's
// persona and lead-capture configuration.
func buildSystemPrompt(t *tenant.TenantContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, the phone receptionist for %s. ", t.AgentName, t.BusinessName)
	sb.WriteString("You are on a live voice call. Keep replies short and conversational, ")
	sb.WriteString("one or two sentences, with no markdown and no emoji.\n")
	if t.Persona != "" {
		sb.WriteString(t.Persona)
		sb.WriteByte('\n')
	}
	if len(t.LeadQuestions) > 0 {
		sb.WriteString("For new callers, work these questions into the conversation naturally ")
		sb.WriteString("and record each answer with capture_lead_answer:\n")
		for _, q := range t.LeadQuestions {
			fmt.Fprintf(&sb, "- %s: %s\n", q.ID, q.Prompt)
		}
	}
	sb.WriteString("Use lookup_project_status when an existing client asks about their project. ")
	sb.WriteString("Use transfer_to_human when the caller asks for a person or you cannot help. ")
	sb.WriteString("Use end_call when the conversation has reached a natural close.")
	return sb.String()
}
