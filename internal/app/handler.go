package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxhall/voxhall/internal/call"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/provider/vad"
	"github.com/voxhall/voxhall/pkg/telephony"
	"github.com/voxhall/voxhall/pkg/types"
)

// resolveTimeout bounds the tenant lookup at call admission.
const resolveTimeout = 2 * time.Second

// Rejection lines spoken before any tenant is known, so no tenant voice or
// greeting applies.
const (
	unknownNumberLine = "This number is not in service. Please check the number and dial again. Goodbye."
	atCapacityLine    = "We are sorry, all of our lines are busy right now. Please call back in a few minutes."
)

// handleStream adapts the telephony server callback to the call flow.
func (a *App) handleStream(ctx context.Context, sess *telephony.MediaSession) {
	a.serveCall(ctx, sess)
}

// serveCall runs the admission path for one media stream: capacity gate,
// tenant resolution, session construction, and the session itself. It
// returns when the call is over and its artifact (if any) is emitted.
func (a *App) serveCall(ctx context.Context, stream call.MediaStream) {
	info := stream.Info()
	log := slog.With("call_sid", info.CallSid, "from", info.From, "to", info.To)

	if !a.sem.TryAcquire(1) {
		log.Warn("call rejected, at capacity", "limit", a.maxCalls)
		a.reject(ctx, stream, atCapacityLine, "at capacity")
		return
	}
	defer a.sem.Release(1)

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	ten, err := a.providers.Tenants.ResolveTenant(rctx, info.To)
	cancel()
	switch {
	case errors.Is(err, tenant.ErrUnknownNumber):
		log.Warn("dialed number has no tenant")
		a.reject(ctx, stream, unknownNumberLine, "unknown number")
		return
	case err != nil:
		log.Error("tenant resolve failed", "err", err)
		_ = stream.Close("tenant lookup failed")
		return
	}

	projects, err := a.projects(ten)
	if err != nil {
		// The call still runs; project lookups answer as unavailable.
		log.Warn("project integration unavailable", "tenant", ten.ID, "err", err)
		projects = nil
	}

	cs, err := call.NewSession(a.sessionConfig(ten), call.Deps{
		Media:    stream,
		Tenant:   ten,
		VAD:      a.providers.VAD,
		ASR:      a.providers.ASR,
		TTS:      a.providers.TTS,
		LLM:      a.providers.LLM,
		Projects: projects,
		Sink:     a.providers.Sink,
		Metrics:  a.providers.Metrics,
	})
	if err != nil {
		log.Error("session setup failed", "tenant", ten.ID, "err", err)
		_ = stream.Close("setup failed")
		return
	}

	sid := a.calls.add(info, ten.ID)
	a.wg.Add(1)
	defer func() {
		a.calls.remove(sid)
		a.wg.Done()
	}()

	if artifact := cs.Run(ctx); artifact != nil {
		log.Info("call finished",
			"tenant", ten.ID,
			"cause", artifact.TerminalCause,
			"duration_s", artifact.DurationS,
		)
	}
}

// reject speaks a canned rejection line and closes the stream. No session
// exists, so no artifact is emitted.
func (a *App) reject(ctx context.Context, stream call.MediaStream, line, cause string) {
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := call.Announce(actx, stream, a.providers.TTS, types.VoiceSpec{}, line); err != nil {
		slog.Debug("rejection announcement failed", "err", err)
	}
	_ = stream.Close(cause)
}

// sessionConfig maps the runtime config and tenant record onto one session's
// tuning.
func (a *App) sessionConfig(t *tenant.TenantContext) call.Config {
	keywords := []string{t.BusinessName, t.AgentName}
	return call.Config{
		VAD: vad.Config{
			ThresholdRatio: a.cfg.VAD.ThresholdRatio,
			OnFrames:       a.cfg.VAD.KOn,
			OffFrames:      a.cfg.VAD.KOff,
		},
		ASR: stt.StreamConfig{
			SampleRate: audio.CarrierSampleRate,
			Encoding:   "mulaw",
			Language:   "en-US",
			Keywords:   keywords,
		},
		IdleNudge: a.cfg.Idle.Nudge,
		IdleEnd:   a.cfg.Idle.End,
	}
}
