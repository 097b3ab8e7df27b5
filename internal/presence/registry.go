// Package presence holds a hub client's view of who else is connected and
// what each peer last announced about itself.
package presence

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/protocol"
)

// Registry is the per-client presence/info cache described by spec §4.3:
// a set of connected UIDs, plus a cached InfoRecord per UID keyed by info
// class.
type Registry struct {
	log zerolog.Logger

	mu         sync.RWMutex
	clientUIDs map[protocol.UID]struct{}
	byClass    map[protocol.InfoClassID]map[protocol.UID]protocol.InfoRecord
}

// New creates an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:        log.With().Str("component", "presence").Logger(),
		clientUIDs: make(map[protocol.UID]struct{}),
		byClass: map[protocol.InfoClassID]map[protocol.UID]protocol.InfoRecord{
			protocol.ClassServer:  {},
			protocol.ClassCluster: {},
			protocol.ClassBrain:   {},
		},
	}
}

// ApplyPresence replaces the known client UID set with newUIDs and evicts
// every cached info record whose UID left the set. It returns the UIDs
// that disconnected (old \ new) so the caller can notify the callback
// engine. Applying the same set twice is a no-op (returns an empty slice).
func (r *Registry) ApplyPresence(newUIDs []protocol.UID) []protocol.UID {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[protocol.UID]struct{}, len(newUIDs))
	for _, u := range newUIDs {
		next[u] = struct{}{}
	}

	var disconnected []protocol.UID
	for u := range r.clientUIDs {
		if _, still := next[u]; !still {
			disconnected = append(disconnected, u)
		}
	}

	r.clientUIDs = next
	for class, records := range r.byClass {
		for u := range records {
			if _, still := next[u]; !still {
				delete(r.byClass[class], u)
			}
		}
	}
	return disconnected
}

// ApplyInfo stores rec as the authoritative cached copy for its owner UID.
func (r *Registry) ApplyInfo(rec protocol.InfoRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClass[rec.InfoClassID()][rec.OwnerUID()] = rec
}

// ClientUIDs returns a snapshot of every currently connected UID.
func (r *Registry) ClientUIDs() []protocol.UID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.UID, 0, len(r.clientUIDs))
	for u := range r.clientUIDs {
		out = append(out, u)
	}
	return out
}

// Has reports whether uid is currently connected.
func (r *Registry) Has(uid protocol.UID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clientUIDs[uid]
	return ok
}

// Servers returns every cached ServerInfo, keyed by UID.
func (r *Registry) Servers() map[protocol.UID]protocol.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[protocol.UID]protocol.ServerInfo, len(r.byClass[protocol.ClassServer]))
	for u, rec := range r.byClass[protocol.ClassServer] {
		out[u] = rec.(protocol.ServerInfo)
	}
	return out
}

// Clusters returns every cached ClusterInfo, keyed by UID.
func (r *Registry) Clusters() map[protocol.UID]protocol.ClusterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[protocol.UID]protocol.ClusterInfo, len(r.byClass[protocol.ClassCluster]))
	for u, rec := range r.byClass[protocol.ClassCluster] {
		out[u] = rec.(protocol.ClusterInfo)
	}
	return out
}

// Brain returns the info of the highest-UID brain present, or false if
// none is connected. Logs a warning if more than one brain is present,
// matching the original implementation's behavior.
func (r *Registry) Brain() (protocol.BrainInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	brains := r.byClass[protocol.ClassBrain]
	if len(brains) == 0 {
		return protocol.BrainInfo{}, false
	}
	if len(brains) > 1 {
		r.log.Warn().Int("count", len(brains)).Msg("multiple brains present")
	}
	var best protocol.BrainInfo
	var found bool
	for u, rec := range brains {
		b := rec.(protocol.BrainInfo)
		if !found || u > best.UID {
			best = b
			found = true
		}
	}
	return best, true
}

// AllLiveShards returns the set of shard ids that are fully acknowledged:
// owned by a ClusterInfo that is ready, whose server is present, and whose
// server lists that cluster's UID among its own cluster_uids (the
// three-way acknowledgement required by spec §3).
func (r *Registry) AllLiveShards() map[int]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := r.byClass[protocol.ClassServer]
	live := make(map[int]struct{})

	for _, rec := range r.byClass[protocol.ClassCluster] {
		c := rec.(protocol.ClusterInfo)
		if !c.Ready {
			continue
		}
		srec, ok := servers[c.ServerUID]
		if !ok {
			continue
		}
		s := srec.(protocol.ServerInfo)
		if !containsUID(s.ClusterUIDs, c.UID) {
			continue
		}
		for _, shard := range c.ShardIDs {
			live[shard] = struct{}{}
		}
	}
	return live
}

func containsUID(list []protocol.UID, target protocol.UID) bool {
	for _, u := range list {
		if u == target {
			return true
		}
	}
	return false
}
