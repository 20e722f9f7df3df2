package domain

// SignalKind discriminates the payload of a SignalEnvelope.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalHangup    SignalKind = "hangup"
)

// ICECandidate mirrors the RTCIceCandidateInit wire shape.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// SignalEnvelope is one ephemeral negotiation message on a call topic.
// It is never persisted; loss before negotiation completes is tolerated.
// Topics echo to every subscriber, so receivers must filter on To.
type SignalEnvelope struct {
	CallID    string        `json:"call_id"`
	From      UserID        `json:"from"`
	To        UserID        `json:"to"`
	Kind      SignalKind    `json:"kind"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}
