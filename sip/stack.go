package sip

import "time"

// The transaction machinery behind these interfaces is an external
// collaborator: the bridge only drives registrations, dialogs and the
// occasional mid-dialog request through them.

// EventKind enumerates what a user agent can hand to the bridge.
type EventKind int

const (
	// EventInvite is a new incoming invitation.
	EventInvite EventKind = iota
	// EventCancel withdraws a pending incoming invitation.
	EventCancel
)

// Event is one incoming transaction surfaced by the user agent.
type Event struct {
	Kind     EventKind
	From     Address
	To       Address
	Incoming Incoming
}

// Incoming is an opaque handle for a pending incoming invitation; the
// stack resolves it in Accept or Reject.
type Incoming interface {
	Offer() *SDP
}

// ConnectResult is one step of an outgoing invitation: a provisional
// response, a final acceptance with the answer description, or a
// rejection reason.
type ConnectResult struct {
	Provisional string // "180 Ringing" style, empty on final
	Session     Session
	AnswerSDP   *SDP
	Reason      string // final rejection reason, empty on success
}

// Outgoing is a cancelable in-flight invitation.
type Outgoing interface {
	// Results yields provisional steps followed by exactly one final
	// result; the channel closes after the final.
	Results() <-chan ConnectResult
	// Cancel sends the cancellation to the signaling peer.
	Cancel()
}

// SessionEventKind enumerates mid-dialog happenings.
type SessionEventKind int

const (
	// SessionClosed means the peer ended the call.
	SessionClosed SessionEventKind = iota
	// SessionChanged carries a new remote description (hold or retune).
	SessionChanged
)

type SessionEvent struct {
	Kind SessionEventKind
	SDP  *SDP
}

// Session is one established dialog.
type Session interface {
	Events() <-chan SessionEvent
	RemoteSDP() *SDP
	// Hold re-invites with connection address 0.0.0.0 (or restores it).
	Hold(value bool) error
	Close() error
}

// Request is a mid-dialog request (INFO and friends).
type Request struct {
	Method  string
	Headers map[string]string
	Body    string
}

// UserAgent is the per-connection signaling endpoint. One streaming
// connection owns at most one.
type UserAgent interface {
	// Bind registers the address; with an empty password the stack
	// records the address without sending a binding request. It returns
	// the refresh interval granted by the registrar.
	Bind(addr Address, password string, refresh bool) (time.Duration, error)
	Unbind() error
	Address() Address

	// Connect starts an outgoing invitation with the given offer.
	Connect(dest Address, offer *SDP, provisional bool) Outgoing
	// Accept answers a pending incoming invitation.
	Accept(inc Incoming, answer *SDP) (Session, string, error)
	Reject(inc Incoming, reason string) error

	// Events surfaces incoming invitations and cancellations.
	Events() <-chan Event

	CreateRequest(method string) *Request
	SendRequest(req *Request) error

	Close() error
}

// Factory opens a user agent bound to the given local signaling address.
// The concrete stack is linked in by the embedding process.
type Factory func(bindIP string, port int) (UserAgent, error)
