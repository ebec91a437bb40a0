package gateway

import (
	"sync/atomic"

	"taskbroker/pkg/wire"
)

// Resolve implements the two-stage agent-selection rule:
//
//   - preferred == wire.AutoAgentID: pick any online agent, round-robin
//     over connection order, since an "auto" project's work can float to
//     whichever agent is available.
//   - preferred is online: use it.
//   - preferred is offline but other agents are online: still prefer the
//     requested agent (the caller is expected to queue), because its
//     local filesystem holds the project and only "auto" projects may
//     float to a different host.
//
// Resolve itself never queues; it only picks which id the caller's send-
// or-enqueue logic should target, so it stays pure and easy to unit test.
func (r *Registry) Resolve(preferred string) (agentID string, online bool) {
	if preferred == wire.AutoAgentID {
		id, ok := r.pickRoundRobin()
		return id, ok
	}
	return preferred, r.IsOnline(preferred)
}

// pickRoundRobin returns an online agent id, rotating through the
// currently-connected set in insertion order so repeated "auto" dispatches
// spread across the fleet instead of always landing on the same agent.
func (r *Registry) pickRoundRobin() (string, bool) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	if len(ids) == 0 {
		return "", false
	}

	idx := int(atomic.AddUint64(&r.autoCursor, 1)-1) % len(ids)
	return ids[idx], true
}
