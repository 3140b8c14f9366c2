package grpcgcp

import (
	"encoding/json"
	"fmt"
)

// Command is one of the three affinity operations a method's AffinityConfig
// can request.
type Command int

const (
	// Bound extracts a key from the request and uses it for routing only;
	// the index is never mutated.
	Bound Command = iota
	// Bind extracts a key from the response and, on the first response,
	// binds it to the channel the call was routed to.
	Bind
	// Unbind extracts a key from the request, routes this call by any
	// existing binding for it, and then removes that binding.
	Unbind
)

func (c Command) String() string {
	switch c {
	case Bound:
		return "BOUND"
	case Bind:
		return "BIND"
	case Unbind:
		return "UNBIND"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// MarshalJSON renders Command as its wire name
// ({keyPath, command: enum{BIND,UNBIND,BOUND}}).
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses a Command from its wire name.
func (c *Command) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "BOUND":
		*c = Bound
	case "BIND":
		*c = Bind
	case "UNBIND":
		*c = Unbind
	default:
		return fmt.Errorf("grpcgcp: unknown affinity command %q", s)
	}
	return nil
}

// AffinityConfig is a read-only per-method descriptor: a dotted-field
// selector applied to a payload, and which of the three affinity commands
// to run with the extracted key. An empty KeyPath disables extraction.
type AffinityConfig struct {
	KeyPath string  `json:"keyPath"`
	Command Command `json:"command"`
}

// isRequestDirected reports whether this config extracts its key from the
// request (BOUND, UNBIND) rather than the response (BIND).
func (a AffinityConfig) isRequestDirected() bool {
	return a.Command == Bound || a.Command == Unbind
}

// MethodAffinityResolver looks up the AffinityConfig for an RPC method, if
// any.
type MethodAffinityResolver interface {
	Lookup(method string) (AffinityConfig, bool)
}

// StaticMethodAffinity is a MethodAffinityResolver backed by a fixed map,
// typically built once at startup from service configuration.
type StaticMethodAffinity map[string]AffinityConfig

// Lookup implements MethodAffinityResolver.
func (m StaticMethodAffinity) Lookup(method string) (AffinityConfig, bool) {
	cfg, ok := m[method]
	return cfg, ok
}

// LoadMethodAffinityJSON parses a JSON object mapping method names to
// AffinityConfig records into a StaticMethodAffinity, the same
// encoding/json-based approach grpc-go's own balancer configs use (see
// balancer/leastrequest's ParseConfig) rather than a generated schema.
func LoadMethodAffinityJSON(data []byte) (StaticMethodAffinity, error) {
	var m StaticMethodAffinity
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("grpcgcp: parsing method affinity config: %w", err)
	}
	return m, nil
}

// PayloadExtractor pulls a dotted-path field out of a request or response
// message. It returns ok == false when the field is absent or the payload
// cannot be inspected; extraction failures are never fatal, they are simply
// treated as "no key".
type PayloadExtractor func(message any, keyPath string) (value string, ok bool)
