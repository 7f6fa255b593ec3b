package mesh

import (
	"fmt"

	"github.com/PlumpMath/junction/wire"
)

// Ident is a peer's stable, globally-unique identity -- spec.md §3.
// Connections are indexed by Ident, not by network address.
type Ident = wire.Ident

// Addr renders an Ident the way log lines and HandledError/RemoteException
// payloads reference a remote peer.
func Addr(id Ident) string {
	return fmt.Sprintf("%s:%d", id.Host, id.Port)
}

// less orders two Idents for the duplicate-connection tie-break of
// spec.md §4.2: lexicographic compare of (host, port, version, reserved).
func less(a, b Ident) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.Reserved < b.Reserved
}
