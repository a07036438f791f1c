package domain

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MessageOffer            MessageType = "offer"
	MessageAnswer           MessageType = "answer"
	MessageICECandidate     MessageType = "ice-candidate"
	MessageJoin             MessageType = "join"
	MessageLeave            MessageType = "leave"
	MessageMediaState       MessageType = "media-state"
	MessageParticipantCount MessageType = "participant-count"
	MessageWelcome          MessageType = "welcome"
	MessageRoomTerminated   MessageType = "room-terminated"
	MessageError            MessageType = "error"
)

var ErrMalformedPayload = errors.New("malformed payload")

// SignalMessage is the envelope exchanged over the signaling channel.
// TargetID is required for point-to-point kinds and absent for broadcasts.
type SignalMessage struct {
	Type     MessageType     `json:"type"`
	SenderID string          `json:"sender_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PointToPoint reports whether the message kind is addressed to a single peer.
func (m *SignalMessage) PointToPoint() bool {
	switch m.Type {
	case MessageOffer, MessageAnswer, MessageICECandidate:
		return true
	}
	return false
}

// DescriptionPayload carries a session description for offer/answer messages.
type DescriptionPayload struct {
	SDP        string `json:"sdp"`
	SDPType    string `json:"sdp_type"`
	ICERestart bool   `json:"ice_restart,omitempty"`
}

func NewDescriptionPayload(desc webrtc.SessionDescription, iceRestart bool) DescriptionPayload {
	return DescriptionPayload{
		SDP:        desc.SDP,
		SDPType:    desc.Type.String(),
		ICERestart: iceRestart,
	}
}

func (p DescriptionPayload) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(p.SDPType),
		SDP:  p.SDP,
	}
}

// CandidatePayload carries a discovered ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ParticipantPayload accompanies join and leave broadcasts.
type ParticipantPayload struct {
	Participant ParticipantInfo `json:"participant"`
}

// CountPayload accompanies participant-count broadcasts.
type CountPayload struct {
	Count int `json:"count"`
}

// WelcomePayload is sent to a participant right after it connects, so its
// client can create a peer link for every existing member.
type WelcomePayload struct {
	ParticipantID string            `json:"participant_id"`
	RoomID        string            `json:"room_id"`
	Members       []ParticipantInfo `json:"members"`
}

// ErrorPayload carries a human-readable rejection reason.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage builds an envelope, marshalling the payload. It panics only on
// unmarshallable payload types, which would be a programming error.
func NewMessage(kind MessageType, sender, target string, payload any) SignalMessage {
	msg := SignalMessage{Type: kind, SenderID: sender, TargetID: target}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic("domain: unmarshallable payload: " + err.Error())
		}
		msg.Payload = raw
	}
	return msg
}

// DecodePayload unmarshals the payload into dst.
func (m *SignalMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return ErrMalformedPayload
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return ErrMalformedPayload
	}
	return nil
}
