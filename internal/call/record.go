package call

import (
	"sort"
	"time"

	"github.com/voxhall/voxhall/pkg/types"
)

// Utterance is one finalized caller utterance in the call record.
type Utterance struct {
	ID    string
	Text  string
	Start time.Duration
	End   time.Duration
}

// AgentTurn is one agent speech turn. Cancelled turns carry only the text
// that was actually spoken before the barge-in.
type AgentTurn struct {
	Text      string
	Start     time.Duration
	End       time.Duration
	Cancelled bool
}

// ToolCallRecord is one executed tool call.
type ToolCallRecord struct {
	Name      string
	Arguments string
	Result    string
	Status    types.ToolCallStatus
	Start     time.Duration
	Duration  time.Duration
}

// Record accumulates everything the finalizer needs about one call. Only the
// session's event loop writes to it; the finalizer reads it after Ended.
type Record struct {
	CallID   string
	TenantID string
	From     string
	To       string

	StartedAt time.Time
	EndedAt   time.Time
	Cause     types.TerminalCause

	Utterances []Utterance
	AgentTurns []AgentTurn
	ToolCalls  []ToolCallRecord

	// LeadAnswers holds captured lead answers by question ID, including the
	// degraded-mode DTMF phone capture.
	LeadAnswers   map[string]string
	LeadCompleted bool

	// Digits is the raw DTMF digit string received during the call.
	Digits string

	// MatchedProjectID is set when a lookup_project_status call found a
	// project; the finalizer uses it for the scope-creep pass.
	MatchedProjectID string

	// FinalizerErrors collects non-fatal failures during artifact assembly.
	FinalizerErrors []string
}

// NewRecord creates a Record for a call that just started.
func NewRecord(callID, tenantID, from, to string) *Record {
	return &Record{
		CallID:      callID,
		TenantID:    tenantID,
		From:        from,
		To:          to,
		StartedAt:   time.Now(),
		LeadAnswers: make(map[string]string),
	}
}

// AddUtterance appends a finalized caller utterance.
func (r *Record) AddUtterance(t types.Transcript) {
	r.Utterances = append(r.Utterances, Utterance{
		ID:    t.UtteranceID,
		Text:  t.Text,
		Start: t.Timestamp,
		End:   t.Timestamp + t.Duration,
	})
}

// AddAgentTurn appends an agent speech turn.
func (r *Record) AddAgentTurn(text string, start, end time.Duration, cancelled bool) {
	r.AgentTurns = append(r.AgentTurns, AgentTurn{
		Text:      text,
		Start:     start,
		End:       end,
		Cancelled: cancelled,
	})
}

// AddToolCall appends an executed tool call.
func (r *Record) AddToolCall(tc ToolCallRecord) {
	r.ToolCalls = append(r.ToolCalls, tc)
}

// SetLeadAnswer stores one captured lead answer.
func (r *Record) SetLeadAnswer(questionID, answer string) {
	r.LeadAnswers[questionID] = answer
}

// End stamps the terminal cause and end time. The first cause wins; a
// transport error racing a hangup must not overwrite it.
func (r *Record) End(cause types.TerminalCause) {
	if r.Cause != "" {
		return
	}
	r.Cause = cause
	r.EndedAt = time.Now()
}

// Ended reports whether a terminal cause has been recorded.
func (r *Record) Ended() bool { return r.Cause != "" }

// TranscriptEntry is one line of the assembled call transcript, in the
// artifact's wire shape.
type TranscriptEntry struct {
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	TStartMs int64  `json:"t_start_ms"`
	TEndMs   int64  `json:"t_end_ms"`
}

// Transcript assembles the full transcript ordered by start offset. On equal
// start offsets the caller's line sorts before the agent's. Cancelled agent
// turns with no spoken text are omitted.
func (r *Record) Transcript() []TranscriptEntry {
	entries := make([]TranscriptEntry, 0, len(r.Utterances)+len(r.AgentTurns))
	for _, u := range r.Utterances {
		entries = append(entries, TranscriptEntry{
			Speaker:  string(types.SpeakerCaller),
			Text:     u.Text,
			TStartMs: u.Start.Milliseconds(),
			TEndMs:   u.End.Milliseconds(),
		})
	}
	for _, t := range r.AgentTurns {
		if t.Text == "" {
			continue
		}
		entries = append(entries, TranscriptEntry{
			Speaker:  string(types.SpeakerAgent),
			Text:     t.Text,
			TStartMs: t.Start.Milliseconds(),
			TEndMs:   t.End.Milliseconds(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TStartMs != entries[j].TStartMs {
			return entries[i].TStartMs < entries[j].TStartMs
		}
		return entries[i].Speaker == string(types.SpeakerCaller) &&
			entries[j].Speaker == string(types.SpeakerAgent)
	})
	return entries
}

// DurationSeconds returns the call length in seconds, zero before End.
func (r *Record) DurationSeconds() float64 {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt).Seconds()
}
