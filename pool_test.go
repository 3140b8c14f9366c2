package grpcgcp

import (
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

type countingRawChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *countingRawChannel) NewCall(method string, opts CallOptions) RawCall {
	return &fakeRawCall{}
}

func (c *countingRawChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newTestPool(t *testing.T, maxSize int, lowWatermark int64) *ManagedChannelPool {
	t.Helper()
	p, err := NewManagedChannelPool(ManagedChannelPoolOptions{
		MaxSize:      maxSize,
		LowWatermark: lowWatermark,
		ChannelFactory: func() (RawChannel, error) {
			return &countingRawChannel{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewManagedChannelPool error: %v", err)
	}
	return p
}

func TestNewManagedChannelPoolRejectsMaxSizeBelowOne(t *testing.T) {
	_, err := NewManagedChannelPool(ManagedChannelPoolOptions{
		MaxSize: -1,
		ChannelFactory: func() (RawChannel, error) {
			return &countingRawChannel{}, nil
		},
	})
	if err == nil {
		t.Fatal("NewManagedChannelPool accepted MaxSize < 0")
	}
}

func TestNewManagedChannelPoolRequiresChannelFactory(t *testing.T) {
	_, err := NewManagedChannelPool(ManagedChannelPoolOptions{MaxSize: 4})
	if err == nil {
		t.Fatal("NewManagedChannelPool accepted a nil ChannelFactory")
	}
}

func TestPickLeastBusyGrowsFromEmpty(t *testing.T) {
	p := newTestPool(t, 4, 1)
	if p.Size() != 0 {
		t.Fatalf("Size() = %d before any pick, want 0", p.Size())
	}
	ref := p.PickLeastBusy()
	if ref == nil {
		t.Fatal("PickLeastBusy() returned nil")
	}
	if p.Size() != 1 {
		t.Fatalf("Size() = %d after first pick, want 1", p.Size())
	}
}

func TestPickLeastBusyReusesBelowWatermark(t *testing.T) {
	p := newTestPool(t, 4, 10)
	first := p.PickLeastBusy()
	first.streamsIncr()
	second := p.PickLeastBusy()
	if second != first {
		t.Fatalf("PickLeastBusy grew the pool below the low watermark: got ref %d, want %d", second.ID(), first.ID())
	}
	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", p.Size())
	}
}

func TestPickLeastBusyGrowsAtWatermark(t *testing.T) {
	p := newTestPool(t, 4, 1)
	first := p.PickLeastBusy()
	first.streamsIncr() // now at the low watermark
	second := p.PickLeastBusy()
	if second == first {
		t.Fatal("PickLeastBusy did not grow once the only channel hit the low watermark")
	}
	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", p.Size())
	}
}

func TestPickLeastBusyStopsGrowingAtMaxSize(t *testing.T) {
	p := newTestPool(t, 2, 1)
	a := p.PickLeastBusy()
	a.streamsIncr()
	b := p.PickLeastBusy()
	b.streamsIncr()
	// Pool is now at MaxSize=2 and both refs are at the low watermark;
	// PickLeastBusy must reuse the least busy one instead of growing further.
	c := p.PickLeastBusy()
	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 (capped at MaxSize)", p.Size())
	}
	if c != a && c != b {
		t.Fatalf("PickLeastBusy returned an unexpected ref %d", c.ID())
	}
}

func TestPickLeastBusyUnderConcurrentLoad(t *testing.T) {
	p := newTestPool(t, 4, 2)
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			ref := p.PickLeastBusy()
			ref.streamsIncr()
			defer ref.streamsDecr()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent PickLeastBusy returned an error: %v", err)
	}
	if p.Size() > 4 {
		t.Fatalf("Size() = %d, exceeds MaxSize=4", p.Size())
	}
}

func TestPickForKeyFallsBackToLeastBusy(t *testing.T) {
	p := newTestPool(t, 4, 1)
	ref := p.PickForKey("unbound-key")
	if ref == nil {
		t.Fatal("PickForKey with an unbound key returned nil")
	}
}

func TestPickForKeyHonorsBoundKey(t *testing.T) {
	p := newTestPool(t, 4, 1)
	bound := p.PickLeastBusy()
	p.Bind(bound, "session-1")

	// Force the pool to grow so a naive least-busy pick would choose
	// something else.
	bound.streamsIncr()
	_ = p.PickLeastBusy()

	got := p.PickForKey("session-1")
	if got != bound {
		t.Fatalf("PickForKey(\"session-1\") = ref %d, want ref %d", got.ID(), bound.ID())
	}
}

func TestNewCallRoutesByAffinityConfig(t *testing.T) {
	p := newTestPool(t, 4, 1)
	p.methodAffinity = StaticMethodAffinity{
		"/pkg.Service/Bound": AffinityConfig{KeyPath: "key", Command: Bound},
	}
	call := p.NewCall("/pkg.Service/Bound", CallOptions{})
	if _, ok := call.(*DeferredCall); !ok {
		t.Fatalf("NewCall for a method with AffinityConfig returned %T, want *DeferredCall", call)
	}

	plain := p.NewCall("/pkg.Service/Plain", CallOptions{})
	if _, ok := plain.(*SimpleCall); !ok {
		t.Fatalf("NewCall for a method without AffinityConfig returned %T, want *SimpleCall", plain)
	}
}

func TestExtractKeyRespectsDirection(t *testing.T) {
	p := newTestPool(t, 4, 1)
	p.extractor = func(message any, keyPath string) (string, bool) {
		s, ok := message.(string)
		return s, ok
	}
	p.methodAffinity = StaticMethodAffinity{
		"/pkg.Service/Bind": AffinityConfig{KeyPath: "ignored", Command: Bind},
	}

	if _, ok := p.ExtractKey("payload", true, "/pkg.Service/Bind"); ok {
		t.Fatal("ExtractKey(isRequest=true) extracted a key for a BIND (response-directed) config")
	}
	key, ok := p.ExtractKey("payload", false, "/pkg.Service/Bind")
	if !ok || key != "payload" {
		t.Fatalf("ExtractKey(isRequest=false) = (%q, %v), want (%q, true)", key, ok, "payload")
	}
}

func TestPoolClose(t *testing.T) {
	p := newTestPool(t, 4, 1)
	var refs []*countingRawChannel
	for i := 0; i < 3; i++ {
		ref := p.PickLeastBusy()
		ref.streamsIncr() // force growth on the next pick
		refs = append(refs, ref.Channel().(*countingRawChannel))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	for i, rc := range refs {
		rc.mu.Lock()
		closed := rc.closed
		rc.mu.Unlock()
		if !closed {
			t.Errorf("channel %d was not closed", i)
		}
	}
}

func TestGrowLockedFallsBackWhenFactoryFails(t *testing.T) {
	calls := 0
	p, err := NewManagedChannelPool(ManagedChannelPoolOptions{
		MaxSize: 2,
		ChannelFactory: func() (RawChannel, error) {
			calls++
			if calls == 1 {
				return &countingRawChannel{}, nil
			}
			return nil, fmt.Errorf("dial failed")
		},
	})
	if err != nil {
		t.Fatalf("NewManagedChannelPool error: %v", err)
	}
	first := p.PickLeastBusy()
	first.streamsIncr()

	p.mu.Lock()
	second := p.growLocked()
	p.mu.Unlock()

	if second != first {
		t.Fatalf("growLocked() on factory failure returned ref %d, want the existing ref %d", second.ID(), first.ID())
	}
}
