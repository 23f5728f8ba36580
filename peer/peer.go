// Package peer models the participants of a datasite and their lifecycle
// states. State transitions are one-way: a pending request either becomes
// accepted or rejected, never pending again.
package peer

import (
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/version"
)

// State is a peer's lifecycle state.
type State string

const (
	// StateAccepted marks an approved peer whose messages are processed.
	StateAccepted State = "accepted"
	// StatePending marks an incoming request awaiting the owner's decision.
	StatePending State = "pending"
	// StateRejected marks a refused peer whose messages are ignored.
	StateRejected State = "rejected"
	// StateOutstanding is the scientist's view of their own outgoing
	// request.
	StateOutstanding State = "outstanding"
)

// ErrPeerNotFound reports a lookup for an unknown peer email.
var ErrPeerNotFound = errors.New("peer: not found")

// Peer is one participant relationship.
type Peer struct {
	Email   string
	State   State
	Version *version.Info
}

// IsApproved reports whether the peer is accepted.
func (p *Peer) IsApproved() bool { return p.State == StateAccepted }

// IsPending reports whether the peer request awaits a decision.
func (p *Peer) IsPending() bool { return p.State == StatePending }

// IsOutstanding reports whether this is the caller's own outgoing request.
func (p *Peer) IsOutstanding() bool { return p.State == StateOutstanding }

// List is an ordered set of peers: approved peers first, then requests.
type List []*Peer

// NewList builds a List, sorting approved peers ahead of requests while
// preserving relative order within each group.
func NewList(peers []*Peer) List {
	out := make(List, 0, len(peers))
	for _, p := range peers {
		if p.IsApproved() {
			out = append(out, p)
		}
	}
	for _, p := range peers {
		if !p.IsApproved() {
			out = append(out, p)
		}
	}
	return out
}

// ByEmail returns the peer with the given email.
func (l List) ByEmail(email string) (*Peer, error) {
	for _, p := range l {
		if p.Email == email {
			return p, nil
		}
	}
	return nil, errors.Wrap(ErrPeerNotFound, email)
}

// Approved returns the accepted peers.
func (l List) Approved() List {
	out := make(List, 0, len(l))
	for _, p := range l {
		if p.IsApproved() {
			out = append(out, p)
		}
	}
	return out
}

// Pending returns the peers awaiting a decision.
func (l List) Pending() List {
	out := make(List, 0)
	for _, p := range l {
		if p.IsPending() {
			out = append(out, p)
		}
	}
	return out
}

// Outstanding returns the caller's own outgoing requests.
func (l List) Outstanding() List {
	out := make(List, 0)
	for _, p := range l {
		if p.IsOutstanding() {
			out = append(out, p)
		}
	}
	return out
}

// Emails projects the list onto peer emails.
func (l List) Emails() []string {
	out := make([]string, 0, len(l))
	for _, p := range l {
		out = append(out, p.Email)
	}
	return out
}
