package grpcgcp

import (
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/metadata"
)

// RawChannel is the transport collaborator that creates raw calls. The pool
// never constructs a RawChannel itself; it asks the ChannelFactory supplied
// at construction (see ManagedChannelPoolOptions.ChannelFactory). The
// default implementation, in transport.go, wraps a *grpc.ClientConn.
type RawChannel interface {
	// NewCall opens a new RawCall bound to method on this channel.
	NewCall(method string, opts CallOptions) RawCall
	// Close releases the underlying transport channel.
	Close() error
}

// CallOptions carries the per-call options a caller passed to NewCall, kept
// opaque to the pool itself and forwarded verbatim to RawChannel.NewCall.
type CallOptions struct {
	// Metadata, if non-nil, is attached as outgoing metadata when the
	// underlying call opens.
	Metadata metadata.MD
}

// RawCall is the transport collaborator's per-RPC handle: a listener-style
// call interface, rather than grpc-go's synchronous ClientStream, so the
// pool can defer opening the call until the first outgoing message is
// available to extract an affinity key from.
type RawCall interface {
	Start(listener Listener, headers metadata.MD)
	Request(n int)
	SetMessageCompression(enabled bool)
	SendMessage(message any) error
	Cancel(msg string, cause error)
	HalfClose() error
	IsReady() bool
	GetAttributes() *attributes.Attributes
}

// Listener receives the callbacks a RawCall delivers as the RPC
// progresses. Every method has a no-op default via ForwardingListener, so
// wrappers only need to override the callbacks they care about.
type Listener interface {
	OnHeaders(md metadata.MD)
	OnMessage(message any)
	OnClose(status CallStatus, trailers metadata.MD)
	OnReady()
}

// CallStatus is the terminal status of a call. It is a thin alias so this
// package doesn't force every collaborator to import grpc/status directly.
type CallStatus = error

// ForwardingListener is the default no-op Listener. Embed it and override
// only the callbacks you need; every callback you do not override does
// nothing.
type ForwardingListener struct{}

func (ForwardingListener) OnHeaders(metadata.MD)       {}
func (ForwardingListener) OnMessage(any)               {}
func (ForwardingListener) OnClose(CallStatus, metadata.MD) {}
func (ForwardingListener) OnReady()                    {}
