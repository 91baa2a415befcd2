// Package protocol defines the message envelope exchanged through the room
// relay and the message types the client understands.
package protocol

import (
	"github.com/pion/webrtc/v4"
)

// Type identifies the kind of envelope. It decides which payload fields are read.
type Type string

const (
	TypeJoin        Type = "join"         // room, username
	TypeText        Type = "text"         // username, message
	TypeCall        Type = "call"         // legacy ring, no payload
	TypeCallRequest Type = "call-request" // caller, call_type
	TypeCallAccept  Type = "call-accept"  // caller
	TypeCallReject  Type = "call-reject"  // caller, message
	TypeOffer       Type = "offer"        // offer (video)
	TypeAudioOffer  Type = "audio-offer"  // offer (audio only)
	TypeAnswer      Type = "answer"       // answer
	TypeCandidate   Type = "candidate"    // candidate
	TypeEndCall     Type = "end-call"     // caller
)

// CallKind is the media kind of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// Envelope is the JSON object relayed between the participants of a room.
// Offer, Answer and Candidate use the same shapes a browser peer produces.
type Envelope struct {
	Type      Type                       `json:"type"`
	Room      string                     `json:"room,omitempty"`
	Username  string                     `json:"username,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Caller    string                     `json:"caller,omitempty"`
	CallType  CallKind                   `json:"call_type,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// OfferKind maps an offer envelope type to the call kind it negotiates.
func (e *Envelope) OfferKind() CallKind {
	if e.Type == TypeAudioOffer {
		return CallAudio
	}
	return CallVideo
}

// OfferType returns the envelope type used to send an offer of the given kind.
func OfferType(kind CallKind) Type {
	if kind == CallAudio {
		return TypeAudioOffer
	}
	return TypeOffer
}
