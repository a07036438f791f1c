package negotiation

import (
	"github.com/pion/webrtc/v3"
)

// PionSession adapts a pion PeerConnection to the Session interface so Go
// clients can drive a link against real transports.
type PionSession struct {
	pc *webrtc.PeerConnection
}

func NewPionSession(cfg webrtc.Configuration) (*PionSession, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PionSession{pc: pc}, nil
}

// PeerConnection exposes the underlying connection for track management.
func (s *PionSession) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

// Bind wires connection callbacks into the link's event channel. Call once,
// before the link starts negotiating.
func (s *PionSession) Bind(link *Link) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		link.HandleLocalCandidate(c.ToJSON())
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.NotifyConnected()
		case webrtc.PeerConnectionStateFailed:
			link.NotifyFailed()
		case webrtc.PeerConnectionStateClosed:
			link.Close()
		}
	})
}

func (s *PionSession) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *PionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *PionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *PionSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(cand)
}

// Rollback returns the connection to stable signaling, dropping the pending
// local offer.
func (s *PionSession) Rollback() error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (s *PionSession) Close() error {
	return s.pc.Close()
}
