package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/util"
)

// peer wraps the PeerConnection of one call. Fields after kind are guarded by
// the owning Manager's mutex.
type peer struct {
	pc   *webrtc.PeerConnection
	kind protocol.CallKind

	remoteSet bool                      // remote description applied
	descSent  bool                      // our offer or answer went out
	heldLocal []webrtc.ICECandidateInit // local candidates gathered before descSent
	stopFeed  context.CancelFunc        // stops the media feeder of an active call
}

// newPeerConnection creates a PeerConnection configured with the given STUN
// servers. No TURN: calls are direct or they fail.
func newPeerConnection(api *webrtc.API, stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	if api != nil {
		return api.NewPeerConnection(config)
	}
	return webrtc.NewPeerConnection(config)
}

// addLocalMedia attaches the local tracks for kind. Without a source the
// peer still receives: recvonly transceivers keep the m-lines in the offer.
func (p *peer) addLocalMedia(source MediaSource) error {
	if source == nil {
		kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
		if p.kind == protocol.CallVideo {
			kinds = append(kinds, webrtc.RTPCodecTypeVideo)
		}
		for _, k := range kinds {
			if _, err := p.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", k, err)
			}
		}
		return nil
	}

	tracks, err := source.Tracks(p.kind)
	if err != nil {
		return err
	}
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// createOffer generates an offer, applies it locally and returns the description to send.
func (p *peer) createOffer() (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// createAnswer generates an answer, applies it locally and returns the description to send.
func (p *peer) createAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// addCandidates applies remote candidates in order. Failures are logged only.
func (p *peer) addCandidates(candidates []webrtc.ICECandidateInit) {
	for _, c := range candidates {
		if err := p.pc.AddICECandidate(c); err != nil {
			util.LogWarning("AddICECandidate failed: %v", err)
		}
	}
}

func (p *peer) close() error {
	if err := p.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

// drainRemoteTrack reads RTP from a remote track until it ends, counting the bytes.
func drainRemoteTrack(track *webrtc.TrackRemote) {
	var (
		pkt *rtp.Packet
		err error
	)
	for {
		if pkt, _, err = track.ReadRTP(); err != nil {
			return
		}
		util.Stats.AddMediaRecv(pkt.MarshalSize())
	}
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
