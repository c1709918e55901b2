package client

import (
	"strconv"
	"sync"

	"github.com/gosuda/weft/internal/event"
)

// maxTrackedInstances bounds the per-instance record store. Beyond the cap
// the oldest tracked instance is evicted wholesale.
const maxTrackedInstances = 64

// SessionInfo identifies the current logical session of one instance.
// StartedAt is immutable once set; a brand-new boundary replaces both
// fields together.
type SessionInfo struct {
	ID        string
	StartedAt int64
}

// InstanceStats accumulates informational token bookkeeping per instance.
type InstanceStats struct {
	Usage              event.Usage
	ContextUtilization float64
}

// TrackedStream identifies one (source, instance) stream with a known
// last-seen timestamp, used to build reconnect requests.
type TrackedStream struct {
	Source     event.Source
	InstanceID string
	LastSeen   int64
}

type instanceRecord struct {
	session  SessionInfo
	hasSess  bool
	lastSeen map[event.Source]int64
	stats    InstanceStats
}

// SessionTracker is the bounded per-instance record store: session info,
// per-source last-seen timestamps, and usage statistics. All mutation
// happens on the single message-handling path; the lock exists for
// read-side callers (reconnect, stats display).
type SessionTracker struct {
	mu      sync.Mutex
	records map[string]*instanceRecord
	order   []string
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		records: make(map[string]*instanceRecord),
	}
}

func (t *SessionTracker) record(instanceID string) *instanceRecord {
	rec, ok := t.records[instanceID]
	if ok {
		return rec
	}

	if len(t.order) >= maxTrackedInstances {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
	}

	rec = &instanceRecord{
		lastSeen: make(map[event.Source]int64),
	}
	t.records[instanceID] = rec
	t.order = append(t.order, instanceID)

	return rec
}

// ObserveBoundary registers a new logical session for the instance and
// resets its statistics. The session id is the event's own when present,
// otherwise derived as "<instanceID>-<timestamp>" using the event's
// timestamp when it has one and the current wall clock when it does not.
func (t *SessionTracker) ObserveBoundary(instanceID string, ev event.AgentEvent) SessionInfo {
	ts := ev.Timestamp
	if ts == 0 {
		ts = event.NowMillis()
	}

	id := ev.SessionID
	if id == "" {
		id = instanceID + "-" + strconv.FormatInt(ts, 10)
	}

	info := SessionInfo{ID: id, StartedAt: ts}

	t.mu.Lock()
	rec := t.record(instanceID)
	rec.session = info
	rec.hasSess = true
	rec.stats = InstanceStats{}
	t.mu.Unlock()

	return info
}

// CurrentSession returns the established session for the instance, if any.
func (t *SessionTracker) CurrentSession(instanceID string) (SessionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[instanceID]
	if !ok || !rec.hasSess {
		return SessionInfo{}, false
	}
	return rec.session, true
}

// MarkSeen records the latest event timestamp for a (source, instance)
// stream. Timestamps never move backwards.
func (t *SessionTracker) MarkSeen(source event.Source, instanceID string, timestamp int64) {
	if timestamp == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(instanceID)
	if timestamp > rec.lastSeen[source] {
		rec.lastSeen[source] = timestamp
	}
}

// LastSeen returns the last-seen timestamp for a (source, instance) stream.
func (t *SessionTracker) LastSeen(source event.Source, instanceID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[instanceID]
	if !ok {
		return 0, false
	}
	ts, ok := rec.lastSeen[source]
	return ts, ok
}

// Tracked lists every (source, instance) stream with a known last-seen
// timestamp, in instance insertion order.
func (t *SessionTracker) Tracked() []TrackedStream {
	t.mu.Lock()
	defer t.mu.Unlock()

	var streams []TrackedStream
	for _, instanceID := range t.order {
		rec := t.records[instanceID]
		for _, source := range []event.Source{event.SourcePrimary, event.SourceChat} {
			if ts, ok := rec.lastSeen[source]; ok {
				streams = append(streams, TrackedStream{
					Source:     source,
					InstanceID: instanceID,
					LastSeen:   ts,
				})
			}
		}
	}
	return streams
}

// AddUsage folds turn usage into the instance statistics. contextWindow
// sizes the utilization figure; zero leaves it untouched.
func (t *SessionTracker) AddUsage(instanceID string, usage event.Usage, contextWindow int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(instanceID)
	rec.stats.Usage.InputTokens += usage.InputTokens
	rec.stats.Usage.OutputTokens += usage.OutputTokens
	rec.stats.Usage.TotalTokens += usage.TotalTokens
	if contextWindow > 0 {
		rec.stats.ContextUtilization = float64(rec.stats.Usage.TotalTokens) / float64(contextWindow)
	}
}

// Stats returns the accumulated statistics for an instance.
func (t *SessionTracker) Stats(instanceID string) InstanceStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[instanceID]
	if !ok {
		return InstanceStats{}
	}
	return rec.stats
}

// Reset clears all tracked state wholesale.
func (t *SessionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*instanceRecord)
	t.order = nil
}
