package rtmfp

import (
	"bytes"
	"net"
)

// Call states of a peer on its session.
type peerState int

const (
	peerNone peerState = iota
	peerAccepted
	peerRejected
)

// Peer is the identity a session negotiated for its remote side.
type Peer struct {
	// ID is the 32-byte hash of the peer certificate.
	ID      []byte
	Address *net.UDPAddr

	Path       string
	Parameters map[string][]string

	state           peerState
	ping            uint16
	privateAddress  []*net.UDPAddr
	groups          []*Group
}

func (p *Peer) dup() *Peer {
	q := *p
	return &q
}

// unsubscribe all groups when the peer goes away
func (p *Peer) close() {
	for _, g := range p.groups {
		g.remove(p)
	}
	p.groups = nil
}

// Group is a rendezvous group a set of peers subscribed to.
type Group struct {
	ID    []byte
	peers []*Peer
}

func (g *Group) add(peer *Peer) {
	for _, p := range g.peers {
		if p == peer {
			return
		}
	}
	g.peers = append(g.peers, peer)
	peer.groups = append(peer.groups, g)
}

func (g *Group) remove(peer *Peer) {
	for i, p := range g.peers {
		if p == peer {
			g.peers = append(g.peers[:i], g.peers[i+1:]...)
			return
		}
	}
}

func (g *Group) hasPeer(id []byte) bool {
	for _, p := range g.peers {
		if bytes.Equal(p.ID, id) {
			return true
		}
	}
	return false
}

// best returns up to max peers of the group other than the asker, most
// recently joined first.
func (g *Group) best(asker *Peer, max int) []*Peer {
	out := make([]*Peer, 0, max)
	for i := len(g.peers) - 1; i >= 0 && len(out) < max; i-- {
		if g.peers[i] != asker {
			out = append(out, g.peers[i])
		}
	}
	return out
}
