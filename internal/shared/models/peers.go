package models

// Peer describes a remote endpoint handed over by a peer source. It is never
// mutated after construction.
type Peer struct {
	Addr Addr
	ID   string
}

func (p Peer) String() string {
	return p.Addr.String()
}
