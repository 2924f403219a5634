package app

import (
	"sort"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/telephony"
)

// CallInfo describes one in-flight call for introspection.
type CallInfo struct {
	StreamSid string
	CallSid   string
	TenantID  string
	From      string
	To        string
	StartedAt time.Time
}

// callTable tracks in-flight calls by stream SID. Admission control lives in
// the semaphore; this is bookkeeping for logs, tests, and shutdown.
type callTable struct {
	mu    sync.Mutex
	calls map[string]CallInfo
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]CallInfo)}
}

// add registers a call and returns the key to remove it with.
func (t *callTable) add(info telephony.StartInfo, tenantID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[info.StreamSid] = CallInfo{
		StreamSid: info.StreamSid,
		CallSid:   info.CallSid,
		TenantID:  tenantID,
		From:      info.From,
		To:        info.To,
		StartedAt: time.Now(),
	}
	return info.StreamSid
}

func (t *callTable) remove(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, sid)
}

func (t *callTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// active returns the in-flight calls ordered by start time.
func (t *callTable) active() []CallInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallInfo, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
