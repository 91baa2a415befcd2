package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned when a frame is not a usable envelope.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Encode serializes an envelope into a text frame.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return json.Marshal(env)
}

// Decode parses a text frame. The frame must be a JSON object with a non-empty type;
// nothing else is checked here.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return &env, nil
}

// Validate reports whether the fields the envelope type needs are present.
// Unknown types pass.
func (e *Envelope) Validate() error {
	var missing string

	switch e.Type {
	case TypeJoin:
		switch {
		case e.Room == "":
			missing = "room"
		case e.Username == "":
			missing = "username"
		}
	case TypeText:
		switch {
		case e.Username == "":
			missing = "username"
		case e.Message == "":
			missing = "message"
		}
	case TypeCallRequest:
		// Browsers ring without call_type; only an unknown kind is refused.
		if e.CallType != "" && !e.CallType.Valid() {
			return fmt.Errorf("%w: %s has unknown call_type %q", ErrInvalidEnvelope, e.Type, e.CallType)
		}
	case TypeOffer, TypeAudioOffer:
		if e.Offer == nil || e.Offer.SDP == "" {
			missing = "offer"
		}
	case TypeAnswer:
		if e.Answer == nil || e.Answer.SDP == "" {
			missing = "answer"
		}
	case TypeCandidate:
		if e.Candidate == nil {
			missing = "candidate"
		}
	}

	if missing != "" {
		return fmt.Errorf("%w: %s without %s", ErrInvalidEnvelope, e.Type, missing)
	}
	return nil
}
