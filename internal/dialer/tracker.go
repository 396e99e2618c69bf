package dialer

import (
	"log"
	"sync"
	"time"
)

// ActiveCall is an originated call that has not reached a terminal state yet
type ActiveCall struct {
	CallID     int64
	CampaignID int
	LeadID     int64
	AgentID    int
	Channel    string
	StartedAt  time.Time
}

// CallTracker maps Asterisk channels to in-flight calls. The reconciler uses
// it to resolve events and the orphan sweeper to find stuck entries.
type CallTracker struct {
	calls   map[string]*ActiveCall // channel -> call
	aliases map[string]string      // secondary channel -> primary channel
	mu      sync.RWMutex

	// Inyectable en tests
	now func() time.Time
}

func NewCallTracker() *CallTracker {
	return &CallTracker{
		calls:   make(map[string]*ActiveCall),
		aliases: make(map[string]string),
		now:     time.Now,
	}
}

// Add registers a call under its originate channel
func (t *CallTracker) Add(call *ActiveCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[call.Channel] = call
	log.Printf("[CallTracker] Registrada llamada %d en canal %s (campaña=%d, agente=%d)",
		call.CallID, call.Channel, call.CampaignID, call.AgentID)
}

// Get retrieves a call by its primary channel
func (t *CallTracker) Get(channel string) *ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls[channel]
}

// Resolve tries each candidate channel in order, first against primary
// channels and then against aliases. Empty candidates are skipped.
func (t *CallTracker) Resolve(candidates ...string) *ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ch := range candidates {
		if ch == "" {
			continue
		}
		if call, ok := t.calls[ch]; ok {
			return call
		}
		if primary, ok := t.aliases[ch]; ok {
			return t.calls[primary]
		}
	}
	return nil
}

// AddAlias links a secondary channel (e.g. the far-end channel from DialBegin)
// to an already tracked call.
func (t *CallTracker) AddAlias(alias, channel string) {
	if alias == "" || alias == channel {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[channel]; ok {
		t.aliases[alias] = channel
	}
}

// Remove drops a call and any alias pointing at it. Returns the removed call
// or nil if the channel was not tracked.
func (t *CallTracker) Remove(channel string) *ActiveCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[channel]
	if !ok {
		return nil
	}
	delete(t.calls, channel)

	// N aliases per call is 0 or 1 in practice, the scan is fine
	for k, v := range t.aliases {
		if v == channel {
			delete(t.aliases, k)
		}
	}

	log.Printf("[CallTracker] Liberado canal %s (llamada=%d, viva %v)",
		channel, call.CallID, time.Since(call.StartedAt).Round(time.Second))
	return call
}

// ByCallID finds an in-flight call by its database id. Linear over the
// in-flight set, which is bounded by max_concurrent_calls.
func (t *CallTracker) ByCallID(id int64) *ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, call := range t.calls {
		if call.CallID == id {
			return call
		}
	}
	return nil
}

// Count returns the number of in-flight calls
func (t *CallTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// CountByCampaign returns in-flight call counts grouped by campaign
func (t *CallTracker) CountByCampaign() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[int]int)
	for _, call := range t.calls {
		counts[call.CampaignID]++
	}
	return counts
}

// GetStale returns calls older than maxAge, for the orphan sweeper
func (t *CallTracker) GetStale(maxAge time.Duration) []*ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()

	threshold := t.now().Add(-maxAge)
	var stale []*ActiveCall
	for _, call := range t.calls {
		if call.StartedAt.Before(threshold) {
			stale = append(stale, call)
		}
	}
	return stale
}

// List returns a snapshot of all in-flight calls
func (t *CallTracker) List() []*ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()

	calls := make([]*ActiveCall, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call)
	}
	return calls
}
