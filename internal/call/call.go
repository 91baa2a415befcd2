// Package call negotiates one-to-one audio/video calls over the room socket:
// a request/accept handshake followed by the standard offer/answer/candidate
// exchange, with remote candidates held back until a remote description is set.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/util"
)

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrInvalidKind    = errors.New("call type must be audio or video")
)

// busyReason is the call-reject message of a member already in a call.
const busyReason = "busy"

// Signaler is the room socket as seen by the call layer.
type Signaler interface {
	Send(env *protocol.Envelope) error
	Username() string
}

// State is the call state of a Manager.
type State int

const (
	StateIdle       State = iota // no call
	StateOutgoing                // call-request sent, waiting for accept/reject
	StateRinging                 // incoming request or offer, waiting for Accept/Reject
	StateConnecting              // negotiating
	StateActive                  // peer connection connected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Manager.
type Options struct {
	STUNServers          []string
	MaxPendingCandidates int         // 64 when zero
	Media                MediaSource // recvonly calls when nil
	API                  *webrtc.API // default pion API when nil
}

// Handlers are the call events surfaced to the front end. Any may be nil.
type Handlers struct {
	OnRing  func(caller string, kind protocol.CallKind)
	OnState func(State)
	OnEnd   func(reason string)
	OnTrack func(kind webrtc.RTPCodecType)
}

// Manager owns at most one call at a time.
type Manager struct {
	sig      Signaler
	opts     Options
	handlers Handlers

	mu           sync.Mutex
	state        State
	kind         protocol.CallKind
	remote       string                     // remote participant, when known
	pendingOffer *webrtc.SessionDescription // direct offer waiting for Accept
	peer         *peer
	queue        *candidateQueue
}

// NewManager creates an idle manager sending through sig.
func NewManager(sig Signaler, opts Options, handlers Handlers) *Manager {
	if opts.MaxPendingCandidates <= 0 {
		opts.MaxPendingCandidates = 64
	}
	return &Manager{
		sig:      sig,
		opts:     opts,
		handlers: handlers,
		queue:    newCandidateQueue(opts.MaxPendingCandidates),
	}
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Kind returns the kind of the current (or last) call.
func (m *Manager) Kind() protocol.CallKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// Remote returns the name of the other participant, when known.
func (m *Manager) Remote() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// PendingCandidates returns the number of remote candidates waiting for a remote description.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

// Start asks the room for a call of the given kind.
func (m *Manager) Start(kind protocol.CallKind) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateOutgoing
	m.kind = kind
	m.remote = ""
	m.mu.Unlock()
	m.notifyState(StateOutgoing)

	err := m.sig.Send(&protocol.Envelope{
		Type:     protocol.TypeCallRequest,
		Caller:   m.sig.Username(),
		CallType: kind,
	})
	if err != nil {
		m.teardown(nil, "call request failed")
		return err
	}
	util.LogInfo("calling room (%s)...", kind)
	return nil
}

// Accept answers the ringing call. Exactly one of Accept and Reject succeeds
// per ring; the other returns ErrNoIncomingCall.
func (m *Manager) Accept() error {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.state = StateConnecting
	kind, offer := m.kind, m.pendingOffer
	m.pendingOffer = nil
	m.mu.Unlock()
	m.notifyState(StateConnecting)

	var err error
	if offer != nil {
		err = m.answer(kind, offer)
	} else {
		err = m.sig.Send(&protocol.Envelope{Type: protocol.TypeCallAccept, Caller: m.sig.Username()})
		if err == nil {
			err = m.offer(kind)
		}
	}
	if err != nil {
		m.teardown(nil, "accept failed")
		return err
	}
	return nil
}

// Reject declines the ringing call.
func (m *Manager) Reject() error {
	// The state check and the reset happen under one lock, so a concurrent
	// Accept cannot also win.
	if !m.teardownIf(StateRinging, "rejected") {
		return ErrNoIncomingCall
	}
	return m.sig.Send(&protocol.Envelope{Type: protocol.TypeCallReject, Caller: m.sig.Username()})
}

// Hangup ends the current call, whatever its state. It is a no-op when idle.
func (m *Manager) Hangup() error {
	if m.State() == StateIdle {
		return nil
	}
	err := m.sig.Send(&protocol.Envelope{Type: protocol.TypeEndCall, Caller: m.sig.Username()})
	m.teardown(nil, "hung up")
	return err
}

// ---------------------------------------------------------------------------
// Incoming envelopes
// ---------------------------------------------------------------------------

// Handle processes one envelope received from the room. Envelopes the call
// layer does not know are ignored.
func (m *Manager) Handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallRequest, protocol.TypeCall:
		m.handleRequest(env)
	case protocol.TypeCallAccept:
		m.handleAccept(env)
	case protocol.TypeCallReject:
		m.handleReject(env)
	case protocol.TypeOffer, protocol.TypeAudioOffer:
		m.handleOffer(env)
	case protocol.TypeAnswer:
		m.handleAnswer(env)
	case protocol.TypeCandidate:
		m.handleCandidate(env)
	case protocol.TypeEndCall:
		if m.teardown(nil, "ended by "+displayName(env.Caller)) {
			util.LogInfo("call ended by %s", displayName(env.Caller))
		}
	}
}

func (m *Manager) handleRequest(env *protocol.Envelope) {
	kind := env.CallType
	if !kind.Valid() {
		kind = protocol.CallVideo
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		util.LogInfo("%s is calling, but we are busy", displayName(env.Caller))
		if err := m.sig.Send(&protocol.Envelope{
			Type:    protocol.TypeCallReject,
			Caller:  m.sig.Username(),
			Message: busyReason,
		}); err != nil {
			util.LogWarning("failed to send busy: %v", err)
		}
		return
	}
	m.state = StateRinging
	m.kind = kind
	m.remote = env.Caller
	m.pendingOffer = nil
	m.mu.Unlock()

	m.notifyState(StateRinging)
	if m.handlers.OnRing != nil {
		m.handlers.OnRing(env.Caller, kind)
	}
}

func (m *Manager) handleAccept(env *protocol.Envelope) {
	m.mu.Lock()
	if m.state != StateOutgoing {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.remote = env.Caller
	m.mu.Unlock()

	util.LogInfo("%s accepted the call", displayName(env.Caller))
	m.notifyState(StateConnecting)
}

func (m *Manager) handleReject(env *protocol.Envelope) {
	// Busy replies go to the whole room; another member may still answer.
	if env.Message == busyReason {
		if m.State() == StateOutgoing {
			util.LogInfo("%s is busy", displayName(env.Caller))
		}
		return
	}

	reason := "rejected by " + displayName(env.Caller)
	if env.Message != "" {
		reason += ": " + env.Message
	}
	if m.teardownIf(StateOutgoing, reason) {
		util.LogInfo("call %s", reason)
	}
}

func (m *Manager) handleOffer(env *protocol.Envelope) {
	kind := env.OfferKind()

	m.mu.Lock()
	switch {
	case m.state == StateIdle:
		// A direct offer without a request rings like one.
		m.state = StateRinging
		m.kind = kind
		m.remote = ""
		m.pendingOffer = env.Offer
		m.mu.Unlock()

		m.notifyState(StateRinging)
		if m.handlers.OnRing != nil {
			m.handlers.OnRing("", kind)
		}
		return

	case (m.state == StateOutgoing || m.state == StateConnecting) && m.peer == nil:
		prev := m.state
		m.state = StateConnecting
		m.kind = kind
		m.mu.Unlock()

		if prev != StateConnecting {
			m.notifyState(StateConnecting)
		}
		if err := m.answer(kind, env.Offer); err != nil {
			util.LogError("failed to answer offer: %v", err)
			m.teardown(nil, "negotiation failed")
		}
		return

	default:
		state := m.state
		m.mu.Unlock()
		util.LogWarning("ignoring %s while %s", env.Type, state)
	}
}

func (m *Manager) handleAnswer(env *protocol.Envelope) {
	m.mu.Lock()
	p := m.peer
	m.mu.Unlock()

	if p == nil {
		util.LogDebug("ignoring answer without a call")
		return
	}
	// A second answer for the same offer would fail; only the first is applied.
	if p.pc.SignalingState() == webrtc.SignalingStateStable {
		util.LogDebug("ignoring answer in stable signaling state")
		return
	}

	if err := p.pc.SetRemoteDescription(*env.Answer); err != nil {
		util.LogError("SetRemoteDescription failed: %v", err)
		m.teardown(p, "negotiation failed")
		return
	}
	m.flushCandidates(p)
}

func (m *Manager) handleCandidate(env *protocol.Envelope) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		util.LogDebug("dropping candidate outside a call")
		return
	}
	p := m.peer
	if p == nil || !p.remoteSet {
		if m.queue.push(*env.Candidate) {
			util.LogDebug("candidate queue full, dropped the oldest")
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	p.addCandidates([]webrtc.ICECandidateInit{*env.Candidate})
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// offer creates the peer connection with local media and sends an offer of the given kind.
func (m *Manager) offer(kind protocol.CallKind) error {
	p, err := m.newPeer(kind)
	if err != nil {
		return err
	}
	if err := p.addLocalMedia(m.opts.Media); err != nil {
		return err
	}

	desc, err := p.createOffer()
	if err != nil {
		return err
	}
	if err := m.sig.Send(&protocol.Envelope{Type: protocol.OfferType(kind), Offer: desc}); err != nil {
		return err
	}
	m.releaseCandidates(p)
	return nil
}

// answer creates the peer connection from a remote offer and sends the answer.
func (m *Manager) answer(kind protocol.CallKind, offer *webrtc.SessionDescription) error {
	p, err := m.newPeer(kind)
	if err != nil {
		return err
	}

	// Remote description first, so AddTrack reuses the offered transceivers.
	if err := p.pc.SetRemoteDescription(*offer); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	m.flushCandidates(p)

	// Without local media the offered m-lines are answered as recvonly.
	if m.opts.Media != nil {
		if err := p.addLocalMedia(m.opts.Media); err != nil {
			return err
		}
	}

	desc, err := p.createAnswer()
	if err != nil {
		return err
	}
	if err := m.sig.Send(&protocol.Envelope{Type: protocol.TypeAnswer, Answer: desc}); err != nil {
		return err
	}
	m.releaseCandidates(p)
	return nil
}

// newPeer creates the call's peer connection and wires its callbacks.
func (m *Manager) newPeer(kind protocol.CallKind) (*peer, error) {
	pc, err := newPeerConnection(m.opts.API, m.opts.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	p := &peer{pc: pc, kind: kind}

	// Trickle local candidates through the room, never ahead of our description.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()

		m.mu.Lock()
		if !p.descSent {
			p.heldLocal = append(p.heldLocal, init)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.sendCandidate(init)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.activate(p)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.teardown(p, "connection "+state.String())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogInfo("receiving remote %s (%s)", track.Kind(), track.Codec().MimeType)
		if m.handlers.OnTrack != nil {
			m.handlers.OnTrack(track.Kind())
		}
		drainRemoteTrack(track)
	})

	m.mu.Lock()
	if m.state != StateConnecting || m.peer != nil {
		m.mu.Unlock()
		pc.Close()
		return nil, errors.New("call ended during negotiation")
	}
	m.peer = p
	m.mu.Unlock()
	return p, nil
}

// flushCandidates marks the remote description as set and applies every queued candidate.
func (m *Manager) flushCandidates(p *peer) {
	m.mu.Lock()
	if m.peer != p {
		m.mu.Unlock()
		return
	}
	p.remoteSet = true
	queued := m.queue.drain()
	m.mu.Unlock()

	if len(queued) > 0 {
		util.LogDebug("applying %d queued candidates", len(queued))
	}
	p.addCandidates(queued)
}

// releaseCandidates sends the local candidates gathered before our offer or
// answer went out. Later candidates are sent as they are gathered.
func (m *Manager) releaseCandidates(p *peer) {
	m.mu.Lock()
	if m.peer != p {
		m.mu.Unlock()
		return
	}
	p.descSent = true
	held := p.heldLocal
	p.heldLocal = nil
	m.mu.Unlock()

	for _, c := range held {
		m.sendCandidate(c)
	}
}

func (m *Manager) sendCandidate(c webrtc.ICECandidateInit) {
	if err := m.sig.Send(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: &c}); err != nil {
		util.LogDebug("failed to send candidate: %v", err)
	}
}

func (m *Manager) activate(p *peer) {
	m.mu.Lock()
	if m.peer != p || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateActive
	kind := m.kind

	// Sources that push samples do so for as long as the call is up.
	if feeder, ok := m.opts.Media.(Feeder); ok {
		var ctx context.Context
		ctx, p.stopFeed = context.WithCancel(context.Background())
		go feeder.Feed(ctx)
	}
	m.mu.Unlock()

	util.LogSuccess("%s call connected", kind)
	m.notifyState(StateActive)
}

// teardown returns the manager to idle. With a non-nil p it only acts while p
// is still the current peer, so late callbacks of an old call are ignored.
// It reports whether anything was torn down.
func (m *Manager) teardown(p *peer, reason string) bool {
	m.mu.Lock()
	if p != nil && m.peer != p {
		m.mu.Unlock()
		return false
	}
	return m.resetLocked(reason)
}

// teardownIf is teardown guarded by the expected current state.
func (m *Manager) teardownIf(want State, reason string) bool {
	m.mu.Lock()
	if m.state != want {
		m.mu.Unlock()
		return false
	}
	return m.resetLocked(reason)
}

// resetLocked must be called with m.mu held; it releases it.
func (m *Manager) resetLocked(reason string) bool {
	if m.state == StateIdle && m.peer == nil {
		m.mu.Unlock()
		return false
	}

	old := m.peer
	m.peer = nil
	m.state = StateIdle
	m.remote = ""
	m.pendingOffer = nil
	m.queue.drain()
	m.mu.Unlock()

	if old != nil {
		if old.stopFeed != nil {
			old.stopFeed()
		}
		if err := old.close(); err != nil {
			util.LogDebug("PeerConnection close: %v", err)
		}
	}

	m.notifyState(StateIdle)
	if m.handlers.OnEnd != nil {
		m.handlers.OnEnd(reason)
	}
	return true
}

func (m *Manager) notifyState(s State) {
	if m.handlers.OnState != nil {
		m.handlers.OnState(s)
	}
}

func displayName(name string) string {
	if name == "" {
		return "peer"
	}
	return name
}
