package grpcgcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/qixuanl1/grpc-gcp-go/internal/grpclog"
)

var poolLogger = grpclog.Component("pool")

// ChannelFactory creates a fresh RawChannel. The pool calls it whenever it
// needs to grow.
type ChannelFactory func() (RawChannel, error)

// ManagedChannelPoolOptions configures a ManagedChannelPool.
type ManagedChannelPoolOptions struct {
	// MaxSize is the maximum number of ChannelRefs the pool will create.
	// Must be >= 1. Defaults to 10 if zero.
	MaxSize int
	// LowWatermark is the active-stream count below which an existing
	// ChannelRef is reused instead of growing the pool. Defaults to 100
	// if zero is passed AND MaxSize was also left at its default; an
	// explicit MaxSize with LowWatermark left at zero means "grow
	// whenever any channel has any stream", which is a legitimate,
	// if aggressive, configuration.
	LowWatermark int64
	// ChannelFactory creates a fresh RawChannel when the pool grows.
	// Required.
	ChannelFactory ChannelFactory
	// MethodAffinity resolves the AffinityConfig for a method, if any.
	// A nil resolver means no method ever has affinity configured.
	MethodAffinity MethodAffinityResolver
	// Extractor pulls a keyPath out of a request or response payload.
	// Required if MethodAffinity ever returns a config with a non-empty
	// KeyPath.
	Extractor PayloadExtractor

	// Metrics, Tracing: see metrics.go. Both are optional. A nil
	// MeterProvider disables all instrumentation, tracing included; a nil
	// TracerProvider disables only the channel-creation span.
	Metrics *PoolMetricsOptions
}

const (
	defaultMaxSize      = 10
	defaultLowWatermark = 100
)

// ManagedChannelPool owns a fixed-growable set of ChannelRefs and routes
// RPCs to them by affinity key or least-busy selection.
type ManagedChannelPool struct {
	id string

	maxSize      int
	lowWatermark int64
	factory      ChannelFactory
	methodAffinity MethodAffinityResolver
	extractor    PayloadExtractor

	mu   sync.Mutex
	refs []*ChannelRef

	index   *AffinityIndex
	metrics *poolMetrics
}

// NewManagedChannelPool constructs a pool. Construction rejects a negative
// MaxSize (zero selects the default of 10) and a nil ChannelFactory.
func NewManagedChannelPool(opts ManagedChannelPoolOptions) (*ManagedChannelPool, error) {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = defaultMaxSize
	}
	if maxSize < 1 {
		return nil, status.Error(codes.InvalidArgument, "grpcgcp: MaxSize must be >= 1")
	}
	if opts.ChannelFactory == nil {
		return nil, status.Error(codes.InvalidArgument, "grpcgcp: ChannelFactory is required")
	}
	lowWatermark := opts.LowWatermark
	if lowWatermark == 0 && opts.MaxSize == 0 {
		lowWatermark = defaultLowWatermark
	}

	methodAffinity := opts.MethodAffinity
	if methodAffinity == nil {
		methodAffinity = StaticMethodAffinity{}
	}

	p := &ManagedChannelPool{
		id:             uuid.NewString(),
		maxSize:        maxSize,
		lowWatermark:   lowWatermark,
		factory:        opts.ChannelFactory,
		methodAffinity: methodAffinity,
		extractor:      opts.Extractor,
		index:          NewAffinityIndex(),
	}
	p.metrics = newPoolMetrics(p, opts.Metrics)
	return p, nil
}

// ID is this pool instance's stable identifier, used to tag OTel metrics
// and trace spans when a process hosts more than one pool.
func (p *ManagedChannelPool) ID() string { return p.id }

// Size returns the current number of ChannelRefs.
func (p *ManagedChannelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs)
}

// NewCall returns a DeferredCall if method has an AffinityConfig, else a
// SimpleCall over the least-busy ChannelRef.
func (p *ManagedChannelPool) NewCall(method string, opts CallOptions) Call {
	if cfg, ok := p.methodAffinity.Lookup(method); ok {
		p.metrics.recordCallRouted(method, "deferred")
		return newDeferredCall(p, method, opts, cfg)
	}
	ref := p.PickLeastBusy()
	p.metrics.recordCallRouted(method, "simple")
	return newSimpleCall(ref, method, opts)
}

// PickForKey returns key's bound ChannelRef if key is non-empty and bound;
// otherwise it falls back to PickLeastBusy.
func (p *ManagedChannelPool) PickForKey(key string) *ChannelRef {
	if key != "" {
		if ref, ok := p.index.Lookup(key); ok {
			return ref
		}
	}
	return p.PickLeastBusy()
}

// PickLeastBusy reuses the least-busy existing ChannelRef unless every ref
// is at or above the low watermark and the pool still has room to grow.
func (p *ManagedChannelPool) PickLeastBusy() *ChannelRef {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.refs) == 0 {
		return p.growLocked()
	}

	minRef := p.refs[0]
	minCount := minRef.StreamCount()
	for _, ref := range p.refs[1:] {
		if c := ref.StreamCount(); c < minCount {
			minRef, minCount = ref, c
		}
	}

	if minCount < p.lowWatermark || len(p.refs) >= p.maxSize {
		return minRef
	}
	return p.growLocked()
}

// growLocked creates a new ChannelRef and appends it. Callers must hold
// p.mu. Growth is rare, so a plain append-only slice behind the pool mutex
// is sufficient.
func (p *ManagedChannelPool) growLocked() *ChannelRef {
	raw, err := p.factory()
	if err != nil {
		poolLogger.Errorf("failed to create channel: %v", err)
		if len(p.refs) > 0 {
			return p.refs[0]
		}
		panic(fmt.Errorf("grpcgcp: pool has no channels and factory failed: %w", err))
	}
	ref := newChannelRef(channelRefIDs.next(), raw, p.metrics)
	p.refs = append(p.refs, ref)
	p.metrics.recordChannelCreated(ref)
	return ref
}

// Bind delegates to the AffinityIndex.
func (p *ManagedChannelPool) Bind(ref *ChannelRef, key string) { p.index.Bind(ref, key) }

// Unbind delegates to the AffinityIndex.
func (p *ManagedChannelPool) Unbind(key string) { p.index.Unbind(key) }

// ExtractKey looks up method's AffinityConfig and, if the call direction
// matches the configured command, applies the key path. Exported for
// callers that want to probe routing decisions without issuing a call.
func (p *ManagedChannelPool) ExtractKey(message any, isRequest bool, method string) (string, bool) {
	cfg, ok := p.methodAffinity.Lookup(method)
	if !ok {
		return "", false
	}
	return p.extractWithConfig(message, isRequest, cfg)
}

func (p *ManagedChannelPool) extractWithConfig(message any, isRequest bool, cfg AffinityConfig) (string, bool) {
	if isRequest {
		if !cfg.isRequestDirected() {
			return "", false
		}
	} else if cfg.Command != Bind {
		return "", false
	}
	if cfg.KeyPath == "" || p.extractor == nil {
		return "", false
	}
	value, ok := p.extractor(message, cfg.KeyPath)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Close closes every ChannelRef's underlying channel concurrently and
// returns the first error encountered, if any. Shutdown draining semantics
// beyond that are delegated to the transport.
func (p *ManagedChannelPool) Close() error {
	p.mu.Lock()
	refs := make([]*ChannelRef, len(p.refs))
	copy(refs, p.refs)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			return ref.Channel().Close()
		})
	}
	return g.Wait()
}
