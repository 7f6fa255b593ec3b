package mesh

import (
	"sync"
	"time"
)

// Result is one target's outcome within an RPC's results list, recorded
// in arrival order (spec.md §3's "results list (one per target, in
// arrival order)").
type Result struct {
	// Peer that produced this result; the zero Ident when IsLocal.
	Peer Ident
	// IsLocal is true when this result came from a locally-invoked
	// handler rather than a wire response.
	IsLocal bool
	// Rc is the wire response code (wire.RPCOK, wire.RPCErrKnown, ...).
	Rc uint8
	// Value is the handler's return value on success.
	Value interface{}
	// Err is non-nil on any failure (HandledError, RemoteException,
	// LostConnection, UnsupportedRemoteMethod, UnrecognizedRemoteProblem).
	Err error
}

// RPC is the future object of spec.md §4.5: it accumulates one Result
// per target and completes when every target has answered (or been
// declared lost).
//
// An RPC is owned by its originator; the mesh registry holds it only
// until it completes, at which point it's removed from the registry's
// bookkeeping so a late, mis-delivered response has nothing left to
// attach to (spec.md §3's "weak reference" lifetime, realized here by
// eager removal from the registry rather than a language-level weak
// pointer).
type RPC struct {
	mu          sync.Mutex
	counter     uint64
	targetCount int
	results     []Result
	done        chan struct{}
	completed   bool
	waits       []*Wait
	singular    bool
}

func newRPC(counter uint64, targetCount int, singular bool) *RPC {
	r := &RPC{
		counter:     counter,
		targetCount: targetCount,
		done:        make(chan struct{}),
		singular:    singular,
	}
	if targetCount == 0 {
		close(r.done)
		r.completed = true
	}
	return r
}

// Counter returns the RPC's identifying counter.
func (r *RPC) Counter() uint64 { return r.counter }

// TargetCount returns the number of targets this RPC was sent to. A
// count of zero is the "null future" of spec.md §4.4: nothing was
// routable, and callers should surface Unroutable.
func (r *RPC) TargetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetCount
}

// Complete reports whether every target has answered.
func (r *RPC) Complete() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *RPC) incoming(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	arrived := len(r.results)
	target := r.targetCount
	waits := r.waits
	r.mu.Unlock()

	// A zero target count on a pending RPC means a proxied RPC whose
	// PROXY_RESPONSE_COUNT has not arrived yet; setTargetCount completes it.
	if target > 0 && arrived >= target {
		r.complete(waits)
	}
}

// setTargetCount updates the target count of a proxied RPC once a
// PROXY_RESPONSE_COUNT arrives (spec.md §4.4's client-side accounting),
// completing it immediately if the revised count is already satisfied.
func (r *RPC) setTargetCount(n int) {
	r.mu.Lock()
	r.targetCount = n
	arrived := len(r.results)
	waits := r.waits
	r.mu.Unlock()

	if arrived >= n {
		r.complete(waits)
	}
}

func (r *RPC) complete(waits []*Wait) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	close(r.done)
	r.mu.Unlock()

	for _, w := range waits {
		w.finish(r)
	}
}

// Wait blocks until the RPC completes or timeout elapses (zero means no
// timeout). On success it returns the results list; for a singular RPC
// it returns the single bare result instead of a one-element list.
func (r *RPC) Wait(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		<-r.done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-r.done:
		case <-t.C:
			return nil, &WaitTimeout{}
		}
	}

	r.mu.Lock()
	results := append([]Result(nil), r.results...)
	singular := r.singular
	r.mu.Unlock()

	if singular {
		if len(results) == 0 {
			return nil, &Unroutable{}
		}
		return resultValue(results[0])
	}
	return results, nil
}

func resultValue(res Result) (interface{}, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// addWait registers w to be notified when this RPC completes, returning
// true if the RPC was already complete (so the caller should finish w
// immediately).
func (r *RPC) addWait(w *Wait) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return true
	}
	r.waits = append(r.waits, w)
	return false
}

func (r *RPC) removeWait(w *Wait) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.waits {
		if cur == w {
			r.waits = append(r.waits[:i], r.waits[i+1:]...)
			return
		}
	}
}

// Wait is a handle shared across multiple RPCs' wait lists so that
// WaitAny can block until the first of several completes -- spec.md
// §4.5. Completion fires the handle exactly once.
type Wait struct {
	mu        sync.Mutex
	rpcs      []*RPC
	done      chan struct{}
	finished  bool
	completed *RPC
	transfers map[*RPC]*RPC
}

// newWait attaches a fresh Wait to every rpc in rpcs.
func newWait(rpcs []*RPC) *Wait {
	w := &Wait{
		rpcs:      append([]*RPC(nil), rpcs...),
		done:      make(chan struct{}),
		transfers: make(map[*RPC]*RPC),
	}
	for _, r := range rpcs {
		if r.addWait(w) {
			w.finish(r)
			break
		}
	}
	return w
}

func (w *Wait) finish(rpc *RPC) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	if src, ok := w.transfers[rpc]; ok {
		w.completed = src
	} else {
		w.completed = rpc
	}
	rpcs := w.rpcs
	w.mu.Unlock()

	close(w.done)
	for _, r := range rpcs {
		r.removeWait(w)
	}
}

// Transfer swaps source for target in w's watch list: a response
// arriving for target will report w's completion as source, used when a
// freshly issued RPC supersedes an older one the caller is still
// holding a Wait against (eg a retried proxied query-count call).
func (w *Wait) Transfer(source, target *RPC) {
	w.mu.Lock()
	for i, r := range w.rpcs {
		if r == source {
			w.rpcs[i] = target
			break
		}
	}
	w.transfers[target] = source
	w.mu.Unlock()

	if target.addWait(w) {
		w.finish(target)
	}
}

// WaitAny blocks until any of rpcs completes and returns that one (or
// the one transfer()'d in its place). timeout of zero means no timeout.
func WaitAny(rpcs []*RPC, timeout time.Duration) (*RPC, error) {
	for _, r := range rpcs {
		if r.Complete() {
			return r, nil
		}
	}

	w := newWait(rpcs)
	if timeout <= 0 {
		<-w.done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-w.done:
		case <-t.C:
			return nil, &WaitTimeout{}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed, nil
}
