package tools

import (
	"sync"

	"github.com/voxhall/voxhall/internal/tenant"
)

// LeadFlow tracks progress through a tenant's lead questions. The session
// owns one instance per call; the position pointer lives here rather than in
// conversation history so it survives barge-ins and truncation.
type LeadFlow struct {
	mu        sync.Mutex
	questions []tenant.LeadQuestion
	pos       int
	answers   map[string]string
}

// NewLeadFlow creates a flow over the tenant's ordered questions.
func NewLeadFlow(questions []tenant.LeadQuestion) *LeadFlow {
	return &LeadFlow{
		questions: questions,
		answers:   make(map[string]string),
	}
}

// Current returns the question the flow is waiting on, or false when the
// flow is complete or the tenant has no questions.
func (f *LeadFlow) Current() (tenant.LeadQuestion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.questions) {
		return tenant.LeadQuestion{}, false
	}
	return f.questions[f.pos], true
}

// Question returns the question with the given ID, or false.
func (f *LeadFlow) Question(id string) (tenant.LeadQuestion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.questions {
		if q.ID == id {
			return q, true
		}
	}
	return tenant.LeadQuestion{}, false
}

// Record stores an accepted answer and advances the pointer past the
// answered question if it is the current one. Returns the next question, or
// false when the flow is now complete.
func (f *LeadFlow) Record(id, answer string) (tenant.LeadQuestion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[id] = answer
	if f.pos < len(f.questions) && f.questions[f.pos].ID == id {
		f.pos++
	}
	if f.pos >= len(f.questions) {
		return tenant.LeadQuestion{}, false
	}
	return f.questions[f.pos], true
}

// Complete reports whether every question has been answered.
func (f *LeadFlow) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos >= len(f.questions)
}

// Answers returns a copy of the collected answers keyed by question ID.
func (f *LeadFlow) Answers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.answers))
	for k, v := range f.answers {
		out[k] = v
	}
	return out
}
