package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxhall/voxhall/pkg/audio"
)

// ErrHandshake is returned by [Accept] when the carrier does not complete the
// connected/start handshake, or when the start metadata is missing required
// fields.
var ErrHandshake = errors.New("telephony: media handshake failed")

// handshakeTimeout bounds how long Accept waits for the connected and start
// messages.
const handshakeTimeout = 10 * time.Second

// inboundStaleAfter is how long the pacing loop waits for an inbound frame
// before falling back to the local 50 fps clock.
const inboundStaleAfter = 100 * time.Millisecond

// StartInfo is the validated call metadata from the carrier's start message.
type StartInfo struct {
	StreamSid  string
	CallSid    string
	AccountSid string
	From       string
	To         string
}

// Frame is one inbound 20 ms µ-law frame, or an explicit gap marker.
type Frame struct {
	// Seq is the carrier's monotonic chunk number.
	Seq uint64

	// Gap is the number of missing frames immediately before this one.
	// Zero for a contiguous frame. Gaps are surfaced, never interpolated.
	Gap uint64

	// Payload is the 160-byte µ-law audio. Nil on pure gap markers.
	Payload []byte

	// Timestamp is the carrier's media timestamp.
	Timestamp time.Duration

	// ReceivedAt is the local wall-clock receive time.
	ReceivedAt time.Time
}

// EventType enumerates lifecycle events surfaced by a [MediaSession].
type EventType int

const (
	// EventDTMF reports a keypad digit.
	EventDTMF EventType = iota

	// EventMark reports a playback marker echo (outbound audio flushed up to
	// that marker).
	EventMark

	// EventStop reports the carrier ending the stream (caller hangup).
	EventStop

	// EventTransportError reports a fatal read/write failure.
	EventTransportError
)

// Event is a lifecycle event from the carrier stream.
type Event struct {
	Type EventType
	// Digit is set for EventDTMF.
	Digit string
	// Mark is set for EventMark.
	Mark string
	// Err is set for EventTransportError.
	Err error
}

// MediaSession is one live carrier media stream. The session owns two
// goroutines: a read loop feeding Inbound and Events, and a write loop pacing
// outbound frames from a bounded 2-second ring.
//
// All exported methods are safe for concurrent use.
type MediaSession struct {
	conn *websocket.Conn
	info StartInfo

	inbound chan Frame
	events  chan Event

	out     *audio.FrameRing
	kick    chan struct{} // signalled per inbound media message
	writeMu sync.Mutex    // serialises conn writes (media, mark, clear, transfer)

	// markMu guards the outbound frame counters and the pending mark queue.
	markMu sync.Mutex
	pushed uint64 // frames handed to Send
	popped uint64 // frames flushed to the wire, evicted, or cleared
	marks  []pendingMark

	closeOnce sync.Once
	done      chan struct{}

	lastSeq      uint64
	haveSeq      bool
	lastInboundM sync.Mutex
	lastInbound  time.Time
}

// pendingMark is a queued playback marker waiting for every frame enqueued
// before it to leave the ring.
type pendingMark struct {
	name  string
	after uint64
}

// Accept performs the carrier handshake on an already-upgraded WebSocket and
// returns a ready [MediaSession]. The handshake expects a "connected" envelope
// followed by a "start" envelope carrying callSid, accountSid, streamSid, and
// the from/to custom parameters; anything else fails with [ErrHandshake].
func Accept(ctx context.Context, conn *websocket.Conn) (*MediaSession, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	env, err := readEnvelope(hsCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: reading connected: %v", ErrHandshake, err)
	}
	if env.Event != "connected" {
		return nil, fmt.Errorf("%w: first event %q, want connected", ErrHandshake, env.Event)
	}

	env, err = readEnvelope(hsCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: reading start: %v", ErrHandshake, err)
	}
	if env.Event != "start" || env.Start == nil {
		return nil, fmt.Errorf("%w: second event %q, want start", ErrHandshake, env.Event)
	}

	info, err := validateStart(env.Start)
	if err != nil {
		return nil, err
	}

	s := &MediaSession{
		conn:    conn,
		info:    info,
		inbound: make(chan Frame, 64),
		events:  make(chan Event, 64),
		out:     audio.NewFrameRing(2 * audio.FramesPerSecond),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// validateStart checks the required start metadata fields.
func validateStart(start *StartPayload) (StartInfo, error) {
	info := StartInfo{
		StreamSid:  start.StreamSid,
		CallSid:    start.CallSid,
		AccountSid: start.AccountSid,
		From:       start.CustomParameters["from"],
		To:         start.CustomParameters["to"],
	}
	switch {
	case info.StreamSid == "":
		return StartInfo{}, fmt.Errorf("%w: start missing streamSid", ErrHandshake)
	case info.CallSid == "":
		return StartInfo{}, fmt.Errorf("%w: start missing callSid", ErrHandshake)
	case info.AccountSid == "":
		return StartInfo{}, fmt.Errorf("%w: start missing accountSid", ErrHandshake)
	case info.To == "":
		return StartInfo{}, fmt.Errorf("%w: start missing customParameters.to", ErrHandshake)
	}
	return info, nil
}

// Info returns the call metadata from the start message.
func (s *MediaSession) Info() StartInfo { return s.info }

// Inbound returns the channel of inbound frames and gap markers. The channel
// is closed when the stream ends.
func (s *MediaSession) Inbound() <-chan Frame { return s.inbound }

// Events returns the lifecycle event channel. The channel is closed when the
// stream ends; an EventStop or EventTransportError precedes the close.
func (s *MediaSession) Events() <-chan Event { return s.events }

// Send enqueues a 160-byte µ-law frame for paced outbound delivery. When the
// 2-second ring is full the oldest frame is evicted; [MediaSession.Dropped]
// counts evictions.
func (s *MediaSession) Send(frame []byte) {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	if s.out.Push(frame) {
		// Eviction counts as consumed for mark ordering.
		s.popped++
	}
	s.pushed++
}

// ClearOutbound discards all locally buffered outbound frames, drops any
// marks queued behind them, and tells the carrier to flush its jitter buffer.
// Called on barge-in.
func (s *MediaSession) ClearOutbound(ctx context.Context) error {
	s.markMu.Lock()
	s.popped += uint64(s.out.Clear())
	s.marks = nil
	s.markMu.Unlock()
	return s.writeEnvelope(ctx, clearEnvelope(s.info.StreamSid))
}

// SendMark queues a named playback marker behind all currently buffered
// audio: the mark envelope goes to the carrier only once every frame enqueued
// before it has been flushed. The carrier echoes it back as an [EventMark]
// once playout reaches it. With nothing buffered the mark is written
// immediately; failures of a deferred mark write are logged by the write
// loop, not returned here.
func (s *MediaSession) SendMark(ctx context.Context, name string) error {
	s.markMu.Lock()
	if s.popped < s.pushed {
		s.marks = append(s.marks, pendingMark{name: name, after: s.pushed})
		s.markMu.Unlock()
		return nil
	}
	s.markMu.Unlock()
	return s.writeEnvelope(ctx, markEnvelope(s.info.StreamSid, name))
}

// SendTransfer emits the warm-transfer directive redirecting the call to the
// given number. The carrier tears the stream down afterwards.
func (s *MediaSession) SendTransfer(ctx context.Context, to string) error {
	return s.writeEnvelope(ctx, transferEnvelope(s.info.StreamSid, to))
}

// Dropped returns the number of outbound frames evicted due to back-pressure.
func (s *MediaSession) Dropped() uint64 { return s.out.Dropped() }

// Close terminates the stream. Safe to call multiple times.
func (s *MediaSession) Close(cause string) error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, cause)
	})
	return nil
}

// readLoop consumes carrier envelopes until the stream ends, dispatching
// audio to the inbound channel and lifecycle messages to the event channel.
func (s *MediaSession) readLoop(ctx context.Context) {
	defer close(s.inbound)
	defer close(s.events)

	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			select {
			case <-s.done:
				// Local close; not a transport error.
			default:
				s.emit(Event{Type: EventTransportError, Err: err})
			}
			return
		}

		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			s.handleMedia(env.Media)
		case "dtmf":
			if env.DTMF != nil {
				s.emit(Event{Type: EventDTMF, Digit: env.DTMF.Digit})
			}
		case "mark":
			if env.Mark != nil {
				s.emit(Event{Type: EventMark, Mark: env.Mark.Name})
			}
		case "stop":
			s.emit(Event{Type: EventStop})
			return
		default:
			slog.Debug("telephony: ignoring unknown event",
				"event", env.Event, "call_sid", s.info.CallSid)
		}
	}
}

// handleMedia decodes one media payload, detects sequence gaps, and delivers
// the frame. Audio frames are never dropped locally: delivery blocks until the
// pipeline consumes them or the session ends.
func (s *MediaSession) handleMedia(m *MediaPayload) {
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		slog.Warn("telephony: undecodable media payload",
			"call_sid", s.info.CallSid, "err", err)
		return
	}

	seq, _ := strconv.ParseUint(m.Chunk, 10, 64)
	tsMs, _ := strconv.ParseUint(m.Timestamp, 10, 64)

	var gap uint64
	if s.haveSeq && seq > s.lastSeq+1 {
		gap = seq - s.lastSeq - 1
	}
	s.lastSeq = seq
	s.haveSeq = true

	s.lastInboundM.Lock()
	s.lastInbound = time.Now()
	s.lastInboundM.Unlock()

	// Kick the write loop: outbound pacing follows the inbound clock.
	select {
	case s.kick <- struct{}{}:
	default:
	}

	frame := Frame{
		Seq:        seq,
		Gap:        gap,
		Payload:    payload,
		Timestamp:  time.Duration(tsMs) * time.Millisecond,
		ReceivedAt: time.Now(),
	}
	select {
	case s.inbound <- frame:
	case <-s.done:
	}
}

// writeLoop paces outbound frames at the carrier rate. While inbound media is
// flowing, each inbound frame triggers one outbound frame (clock recovery);
// when the inbound side goes quiet, a local 20 ms ticker takes over.
func (s *MediaSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.kick:
			s.flushOne(ctx)
		case <-ticker.C:
			s.lastInboundM.Lock()
			stale := time.Since(s.lastInbound) > inboundStaleAfter
			s.lastInboundM.Unlock()
			if stale {
				s.flushOne(ctx)
			}
		}
	}
}

// flushOne sends the oldest buffered outbound frame, if any, followed by any
// marks whose preceding audio has now fully left the ring.
func (s *MediaSession) flushOne(ctx context.Context) {
	s.markMu.Lock()
	frame, ok := s.out.Pop()
	var due []pendingMark
	if ok {
		s.popped++
		for len(s.marks) > 0 && s.marks[0].after <= s.popped {
			due = append(due, s.marks[0])
			s.marks = s.marks[1:]
		}
	}
	s.markMu.Unlock()
	if !ok {
		return
	}

	s.writeOrLog(ctx, mediaEnvelope(s.info.StreamSid, base64.StdEncoding.EncodeToString(frame)))
	for _, m := range due {
		s.writeOrLog(ctx, markEnvelope(s.info.StreamSid, m.name))
	}
}

// writeOrLog writes one envelope, logging failures unless the session is
// already closing.
func (s *MediaSession) writeOrLog(ctx context.Context, env Envelope) {
	if err := s.writeEnvelope(ctx, env); err != nil {
		select {
		case <-s.done:
		default:
			slog.Warn("telephony: outbound write failed",
				"call_sid", s.info.CallSid, "err", err)
		}
	}
}

// emit delivers a lifecycle event without blocking forever on a dead consumer.
func (s *MediaSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// writeEnvelope marshals and writes one envelope under the write lock.
func (s *MediaSession) writeEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", env.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readEnvelope reads and parses a single wire message.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	return parseEnvelope(data)
}
