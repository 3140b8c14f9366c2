package grpcgcp

import (
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/metadata"

	"github.com/qixuanl1/grpc-gcp-go/internal/grpclog"
)

var callLogger = grpclog.Component("call")

// Call is the RPC facade the pool hands back from NewCall. DeferredCall and
// SimpleCall are its two implementations.
type Call interface {
	Start(listener Listener, headers metadata.MD)
	Request(n int)
	SetMessageCompression(enabled bool)
	Cancel(msg string, cause error)
	HalfClose() error
	SendMessage(message any) error
	IsReady() bool
	GetAttributes() (*attributes.Attributes, error)
}

// callState is DeferredCall's NEW/STARTING/SENT state machine. The state
// field itself only moves from stateNew to stateSent; the STARTING phase is
// represented by the started once-flag, and stateStarting is never assigned.
// A closed call is tracked separately via the decremented once-flag rather
// than as a distinct atomic value, since nothing but the stream counter
// discipline depends on distinguishing SENT from closed.
type callState int32

const (
	stateNew callState = iota
	stateStarting
	stateSent
)

// DeferredCall buffers all pre-start operations and defers opening the
// underlying RawCall until the first SendMessage, so the affinity key can
// be extracted from the outgoing message before a channel is chosen. It is
// a direct transliteration of the original GcpClientCall.
type DeferredCall struct {
	pool    *ManagedChannelPool
	method  string
	opts    CallOptions
	affinity AffinityConfig

	mu    sync.Mutex
	cond  *sync.Cond
	state callState

	cachedListener Listener
	cachedHeaders  metadata.MD
	isCompressed   bool
	msgRequested   int

	ref        *ChannelRef
	raw        RawCall
	started    atomic.Bool
	received   atomic.Bool
	decremented atomic.Bool
}

func newDeferredCall(pool *ManagedChannelPool, method string, opts CallOptions, affinity AffinityConfig) *DeferredCall {
	c := &DeferredCall{
		pool:         pool,
		method:       method,
		opts:         opts,
		affinity:     affinity,
		isCompressed: true,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start stashes listener and headers for replay once the underlying call
// opens. It never touches the transport, and later calls overwrite earlier
// ones -- the last caller wins.
func (c *DeferredCall) Start(listener Listener, headers metadata.MD) {
	c.mu.Lock()
	c.cachedListener = listener
	c.cachedHeaders = headers
	c.mu.Unlock()
}

// Request buffers n while NEW (overwriting, not additive, to match the
// underlying transport contract) and forwards once SENT.
func (c *DeferredCall) Request(n int) {
	if !c.started.Load() {
		c.mu.Lock()
		c.msgRequested = n
		c.mu.Unlock()
		return
	}
	c.waitForSent()
	c.raw.Request(n)
}

// SetMessageCompression buffers while NEW and forwards once SENT.
func (c *DeferredCall) SetMessageCompression(enabled bool) {
	if !c.started.Load() {
		c.mu.Lock()
		c.isCompressed = enabled
		c.mu.Unlock()
		return
	}
	c.waitForSent()
	c.raw.SetMessageCompression(enabled)
}

// Cancel fails with InvalidState if called before the first SendMessage.
// Afterwards it idempotently decrements the channel ref's stream count
// (the first of Cancel/OnClose to run wins) and forwards once SENT.
func (c *DeferredCall) Cancel(msg string, cause error) {
	if !c.started.Load() {
		callLogger.Errorf("cancel() called before sendMessage() on method %s", c.method)
		panic(newInvalidStateError("cancel()"))
	}
	c.decrementOnce()
	c.waitForSent()
	c.raw.Cancel(msg, cause)
}

// HalfClose fails with InvalidState if called before the first SendMessage.
func (c *DeferredCall) HalfClose() error {
	if !c.started.Load() {
		return newInvalidStateError("halfClose()")
	}
	c.waitForSent()
	return c.raw.HalfClose()
}

// SendMessage is the sole trigger for opening the underlying call. The
// first caller to win the NEW->STARTING CAS runs the full open-and-replay
// protocol; every later caller (including concurrent ones that lost the
// race) simply forwards once SENT.
func (c *DeferredCall) SendMessage(message any) error {
	if c.started.CompareAndSwap(false, true) {
		c.openAndReplay(message)
	} else {
		c.waitForSent()
	}
	err := c.raw.SendMessage(message)
	c.setSent()
	return err
}

func (c *DeferredCall) openAndReplay(message any) {
	key, _ := c.pool.extractWithConfig(message, true, c.affinity)

	ref := c.pool.PickForKey(key)
	if key != "" && c.affinity.Command == Unbind {
		c.pool.Unbind(key)
	}
	ref.streamsIncr()
	c.ref = ref

	c.mu.Lock()
	listener := c.cachedListener
	headers := c.cachedHeaders
	compressed := c.isCompressed
	requested := c.msgRequested
	c.mu.Unlock()

	c.raw = ref.Channel().NewCall(c.method, c.opts)
	c.raw.Start(c.wrapListener(listener), headers)
	c.raw.SetMessageCompression(compressed)
	if requested > 0 {
		c.raw.Request(requested)
	}
}

// waitForSent blocks until the first SendMessage has completed. Spurious
// wakeups are tolerated; the predicate re-checked on every wakeup is
// state >= SENT. sync.Cond.Wait cannot be interrupted in Go -- it only
// wakes on Broadcast/Signal -- so there is no cancellation path here.
func (c *DeferredCall) waitForSent() {
	c.mu.Lock()
	for c.state < stateSent {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *DeferredCall) setSent() {
	c.mu.Lock()
	if c.state < stateSent {
		c.state = stateSent
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *DeferredCall) decrementOnce() {
	if !c.decremented.CompareAndSwap(false, true) {
		return
	}
	if c.ref != nil {
		c.ref.streamsDecr()
	}
}

// IsReady delegates to the underlying call once it exists; the facade is
// always ready to accept the first send.
func (c *DeferredCall) IsReady() bool {
	if c.started.Load() {
		c.waitForSent()
		return c.raw.IsReady()
	}
	return true
}

// GetAttributes fails with InvalidState before SENT has been reached at
// least once.
func (c *DeferredCall) GetAttributes() (*attributes.Attributes, error) {
	if !c.started.Load() {
		return nil, newInvalidStateError("getAttributes()")
	}
	c.waitForSent()
	return c.raw.GetAttributes(), nil
}

// wrapListener returns a Listener that overrides only OnMessage and
// OnClose; every other callback passes straight through to inner.
func (c *DeferredCall) wrapListener(inner Listener) Listener {
	return &deferredCallListener{call: c, inner: inner}
}

type deferredCallListener struct {
	ForwardingListener
	call  *DeferredCall
	inner Listener
}

func (l *deferredCallListener) OnHeaders(md metadata.MD) {
	if l.inner != nil {
		l.inner.OnHeaders(md)
	}
}

func (l *deferredCallListener) OnReady() {
	if l.inner != nil {
		l.inner.OnReady()
	}
}

// OnMessage binds a newly-seen response key on the first response only, if
// the method's affinity command is BIND.
func (l *deferredCallListener) OnMessage(message any) {
	c := l.call
	if c.received.CompareAndSwap(false, true) && c.affinity.Command == Bind {
		if key, ok := c.pool.extractWithConfig(message, false, c.affinity); ok {
			c.pool.Bind(c.ref, key)
		}
	}
	if l.inner != nil {
		l.inner.OnMessage(message)
	}
}

// OnClose idempotently decrements the channel ref (Cancel may already have
// done it) and forwards to the user listener.
func (l *deferredCallListener) OnClose(st CallStatus, trailers metadata.MD) {
	l.call.decrementOnce()
	if l.inner != nil {
		l.inner.OnClose(st, trailers)
	}
}

// SimpleCall is a thin pass-through used when no AffinityConfig applies to
// the method. It opens the underlying call immediately and only maintains
// the stream count.
type SimpleCall struct {
	ref         *ChannelRef
	raw         RawCall
	decremented atomic.Bool
}

func newSimpleCall(ref *ChannelRef, method string, opts CallOptions) *SimpleCall {
	return &SimpleCall{
		ref: ref,
		raw: ref.Channel().NewCall(method, opts),
	}
}

func (c *SimpleCall) Start(listener Listener, headers metadata.MD) {
	c.ref.streamsIncr()
	c.raw.Start(&simpleCallListener{call: c, inner: listener}, headers)
}

func (c *SimpleCall) Request(n int)                         { c.raw.Request(n) }
func (c *SimpleCall) SetMessageCompression(enabled bool)     { c.raw.SetMessageCompression(enabled) }
func (c *SimpleCall) SendMessage(message any) error          { return c.raw.SendMessage(message) }
func (c *SimpleCall) HalfClose() error                       { return c.raw.HalfClose() }
func (c *SimpleCall) IsReady() bool                           { return c.raw.IsReady() }
func (c *SimpleCall) GetAttributes() (*attributes.Attributes, error) {
	return c.raw.GetAttributes(), nil
}

func (c *SimpleCall) Cancel(msg string, cause error) {
	c.decrementOnce()
	c.raw.Cancel(msg, cause)
}

func (c *SimpleCall) decrementOnce() {
	if c.decremented.CompareAndSwap(false, true) {
		c.ref.streamsDecr()
	}
}

type simpleCallListener struct {
	ForwardingListener
	call  *SimpleCall
	inner Listener
}

func (l *simpleCallListener) OnHeaders(md metadata.MD) {
	if l.inner != nil {
		l.inner.OnHeaders(md)
	}
}

func (l *simpleCallListener) OnReady() {
	if l.inner != nil {
		l.inner.OnReady()
	}
}

func (l *simpleCallListener) OnMessage(message any) {
	if l.inner != nil {
		l.inner.OnMessage(message)
	}
}

func (l *simpleCallListener) OnClose(st CallStatus, trailers metadata.MD) {
	l.call.decrementOnce()
	if l.inner != nil {
		l.inner.OnClose(st, trailers)
	}
}
