package grpcgcp

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/qixuanl1/grpc-gcp-go/internal/grpclog"
)

var affinityLogger = grpclog.Component("affinity")

// AffinityIndex is a bidirectional mapping between affinity keys and
// ChannelRefs, guarded by a single mutex. Every key present in the forward
// map has the same ChannelRef in the reverse map, and vice versa -- except
// after an overwriting Bind, which leaves the key in the old ref's reverse
// set; nothing removes it from there later (see DESIGN.md).
type AffinityIndex struct {
	mu      sync.Mutex
	forward map[string]*ChannelRef
	reverse map[*ChannelRef]map[string]struct{}
}

// NewAffinityIndex returns an empty AffinityIndex.
func NewAffinityIndex() *AffinityIndex {
	return &AffinityIndex{
		forward: make(map[string]*ChannelRef),
		reverse: make(map[*ChannelRef]map[string]struct{}),
	}
}

// Lookup returns the ChannelRef bound to key, if any.
func (idx *AffinityIndex) Lookup(key string) (*ChannelRef, bool) {
	if key == "" {
		return nil, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ref, ok := idx.forward[key]
	return ref, ok
}

// Bind associates key with ref. If key already maps to a different ref, the
// existing binding is overwritten (last-writer wins) and a warning is
// logged; afterwards Lookup(key) == ref always holds. The old ref's reverse
// set is not cleaned up; see DESIGN.md.
func (idx *AffinityIndex) Bind(ref *ChannelRef, key string) {
	if key == "" || ref == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.forward[key]; ok && existing != ref {
		affinityLogger.Warningf("overwriting affinity binding for key fingerprint %x: channel ref %d -> %d", fingerprint(key), existing.id, ref.id)
	}
	idx.forward[key] = ref

	set, ok := idx.reverse[ref]
	if !ok {
		set = make(map[string]struct{})
		idx.reverse[ref] = set
	}
	set[key] = struct{}{}
}

// Unbind removes the binding for key. It is a no-op if key is absent.
func (idx *AffinityIndex) Unbind(key string) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ref, ok := idx.forward[key]
	if !ok {
		return
	}
	delete(idx.forward, key)
	if set, ok := idx.reverse[ref]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx.reverse, ref)
		}
	}
}

// KeysForTesting returns the set of keys the reverse index records for ref,
// including any left over from an overwritten Bind. Exported only to make
// the non-minimality of the reverse index an assertable property in tests.
func (idx *AffinityIndex) KeysForTesting(ref *ChannelRef) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.reverse[ref]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func fingerprint(key string) uint64 {
	return xxhash.Sum64String(key)
}
