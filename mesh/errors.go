package mesh

import (
	"fmt"
	"sync"
)

// Unroutable is raised when no target matches at send time, or when an
// RPC's target_count resolves to 0 -- spec.md §7.
type Unroutable struct {
	Service   string
	RoutingID uint64
	Method    string
}

func (e *Unroutable) Error() string {
	return fmt.Sprintf("junction: unroutable: no targets match (service=%q routing_id=%d method=%q)",
		e.Service, e.RoutingID, e.Method)
}

// WaitTimeout is raised when a Wait exceeds its deadline.
type WaitTimeout struct{}

func (e *WaitTimeout) Error() string { return "junction: wait timed out" }

// LostConnection is raised when a response was expected but the
// responder's connection went down.
type LostConnection struct {
	Peer Ident
}

func (e *LostConnection) Error() string {
	return fmt.Sprintf("junction: lost connection to %s while awaiting response", Addr(e.Peer))
}

// BadHandshake is raised when a handshake is malformed or its version
// mismatches.
type BadHandshake struct {
	Reason string
}

func (e *BadHandshake) Error() string { return "junction: bad handshake: " + e.Reason }

// MessageCutOff describes a peer connection that terminated
// mid-message. Frame reads report that condition as
// wire.ErrMessageCutOff; nothing in this package returns a
// MessageCutOff value.
type MessageCutOff struct{}

func (e *MessageCutOff) Error() string { return "junction: message cut off" }

// UnsupportedRemoteMethod is raised when a target had a service match but
// no method match (RPCErrNoMethod).
type UnsupportedRemoteMethod struct {
	Peer    Ident
	Service string
	Method  string
}

func (e *UnsupportedRemoteMethod) Error() string {
	return fmt.Sprintf("junction: %s has no method %q for service %q", Addr(e.Peer), e.Method, e.Service)
}

// UnrecognizedRemoteProblem is raised when a response carries an unknown
// response code.
type UnrecognizedRemoteProblem struct {
	Peer Ident
	Rc   uint8
}

func (e *UnrecognizedRemoteProblem) Error() string {
	return fmt.Sprintf("junction: %s returned unrecognized response code %d", Addr(e.Peer), e.Rc)
}

// RemoteException is raised when a handler raised an unregistered
// exception; it carries the responder's address and the remote traceback
// text.
type RemoteException struct {
	Peer      Ident
	Traceback string
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("junction: unhandled remote exception from %s: %s", Addr(e.Peer), e.Traceback)
}

// HandledError is the interface a registered user error type must
// satisfy so it can be reconstructed on the caller's side from a
// RPCErrKnown response.
type HandledError interface {
	error
	// Code returns this error type's process-wide unique registration code.
	Code() int
	// Args returns the arguments this instance was raised with, for wire
	// encoding alongside Code so the remote side can reconstruct it.
	Args() []interface{}
	// WithArgs returns a new instance of this error type, reconstructed
	// from the remote peer's address and the arguments the handler raised
	// it with.
	WithArgs(peer Ident, args []interface{}) HandledError
}

// errorRegistry is the process-wide registry mapping a HandledError's
// code to a prototype instance used to reconstruct remote errors --
// spec.md §9, grounded on original_source/python/junction/errors.py's
// _MetaHandledError, which raises on duplicate code registration at
// class-construction time. Registration is forbidden once any Hub or
// Client in the process has started (callers should register all error
// types up front, during process initialization).
type errorRegistry struct {
	mu      sync.Mutex
	byCode  map[int]HandledError
	started bool
}

var globalErrors = &errorRegistry{byCode: make(map[int]HandledError)}

// RegisterError installs a HandledError prototype under its code.
// Registering a duplicate code, or registering after any mesh has
// started, is an error.
func RegisterError(proto HandledError) error {
	globalErrors.mu.Lock()
	defer globalErrors.mu.Unlock()

	if globalErrors.started {
		return fmt.Errorf("junction: cannot register error code %d: a hub or client has already started", proto.Code())
	}
	if _, ok := globalErrors.byCode[proto.Code()]; ok {
		return fmt.Errorf("junction: HandledError code %d is already registered", proto.Code())
	}
	globalErrors.byCode[proto.Code()] = proto
	return nil
}

// markErrorsStarted forbids further RegisterError calls. Called once by
// the first Hub/Client to start in a process.
func markErrorsStarted() {
	globalErrors.mu.Lock()
	defer globalErrors.mu.Unlock()
	globalErrors.started = true
}

// MarkStarted forbids further RegisterError calls for the remainder of
// the process's lifetime. Hub and Client both call this from their
// constructors; calling it more than once, or from both in the same
// process, is harmless.
func MarkStarted() { markErrorsStarted() }

// reconstructHandledError rebuilds a HandledError from a wire
// (code, args) pair, or nil if the code isn't registered.
func reconstructHandledError(peer Ident, code int, args []interface{}) HandledError {
	globalErrors.mu.Lock()
	proto, ok := globalErrors.byCode[code]
	globalErrors.mu.Unlock()
	if !ok {
		return nil
	}
	return proto.WithArgs(peer, args)
}
