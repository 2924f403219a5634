package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxhall/voxhall/pkg/audio"
)

// carrierConn is the far end of a media stream: a raw WebSocket speaking the
// carrier envelope protocol against an accepted MediaSession.
type carrierConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// dialSession spins up a WebSocket server, completes the carrier handshake,
// and returns both ends of the stream.
func dialSession(t *testing.T) (*MediaSession, *carrierConn) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sessCh := make(chan *MediaSession, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sess, err := Accept(ctx, conn)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		sessCh <- sess
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	cc := &carrierConn{t: t, conn: conn}
	cc.send(Envelope{Event: "connected", Protocol: "call", Version: "1.0.0"})
	cc.send(Envelope{Event: "start", Start: &StartPayload{
		StreamSid: "MZ1", CallSid: "CA1", AccountSid: "AC1",
		CustomParameters: map[string]string{"from": "+15135550100", "to": "+15135550200"},
	}})

	select {
	case sess := <-sessCh:
		t.Cleanup(func() { _ = sess.Close("test done") })
		return sess, cc
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never completed")
		return nil, nil
	}
}

func (c *carrierConn) send(env Envelope) {
	c.t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", env.Event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write %s: %v", env.Event, err)
	}
}

func (c *carrierConn) read() Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := parseEnvelope(data)
	if err != nil {
		c.t.Fatalf("parse: %v", err)
	}
	return env
}

func TestSendMarkTrailsBufferedAudio(t *testing.T) {
	sess, cc := dialSession(t)

	frame := make([]byte, audio.FrameBytes)
	sess.Send(frame)
	sess.Send(frame)
	if err := sess.SendMark(context.Background(), "turn-1"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}

	var got []string
	for len(got) < 3 {
		got = append(got, cc.read().Event)
	}
	want := []string{"media", "media", "mark"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope order = %v, want %v", got, want)
		}
	}
}

func TestSendMarkImmediateWhenIdle(t *testing.T) {
	sess, cc := dialSession(t)

	if err := sess.SendMark(context.Background(), "m0"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	env := cc.read()
	if env.Event != "mark" || env.Mark == nil || env.Mark.Name != "m0" {
		t.Fatalf("envelope = %+v, want mark m0", env)
	}
}

func TestClearOutboundDropsQueuedMarks(t *testing.T) {
	sess, cc := dialSession(t)

	frame := make([]byte, audio.FrameBytes)
	for i := 0; i < 10; i++ {
		sess.Send(frame)
	}
	if err := sess.SendMark(context.Background(), "turn-1"); err != nil {
		t.Fatalf("SendMark turn-1: %v", err)
	}
	if err := sess.ClearOutbound(context.Background()); err != nil {
		t.Fatalf("ClearOutbound: %v", err)
	}
	if err := sess.SendMark(context.Background(), "turn-2"); err != nil {
		t.Fatalf("SendMark turn-2: %v", err)
	}

	// A frame or two may flush before the clear lands; after it, only
	// turn-2's mark may appear.
	var marks []string
	sawClear := false
	for i := 0; i < 20; i++ {
		env := cc.read()
		switch env.Event {
		case "mark":
			marks = append(marks, env.Mark.Name)
		case "clear":
			sawClear = true
		}
		if len(marks) > 0 && marks[len(marks)-1] == "turn-2" {
			break
		}
	}
	if !sawClear {
		t.Error("clear envelope never reached the carrier")
	}
	if len(marks) != 1 || marks[0] != "turn-2" {
		t.Errorf("marks = %v, want only turn-2", marks)
	}
}
