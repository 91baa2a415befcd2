package call

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Test signalers
// ---------------------------------------------------------------------------

// recordingSignaler keeps every envelope the manager sends.
type recordingSignaler struct {
	name string
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (s *recordingSignaler) Username() string { return s.name }

func (s *recordingSignaler) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

// find returns the first sent envelope of the given type, ignoring candidates.
func (s *recordingSignaler) find(typ protocol.Type) *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.sent {
		if env.Type == typ {
			return env
		}
	}
	return nil
}

func (s *recordingSignaler) types() []protocol.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []protocol.Type
	for _, env := range s.sent {
		if env.Type != protocol.TypeCandidate {
			types = append(types, env.Type)
		}
	}
	return types
}

var errLinkClosed = errors.New("link closed")

// linkedSignaler delivers envelopes to the other side's manager, in order,
// through the JSON codec, like the relay would.
type linkedSignaler struct {
	name string
	out  chan []byte
	done chan struct{}
}

func (s *linkedSignaler) Username() string { return s.name }

func (s *linkedSignaler) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return errLinkClosed
	}
}

func (s *linkedSignaler) deliverTo(m *Manager) {
	for {
		select {
		case data := <-s.out:
			env, err := protocol.Decode(data)
			if err != nil {
				panic(err)
			}
			m.Handle(env)
		case <-s.done:
			return
		}
	}
}

// linkedManagers creates two managers whose envelopes reach each other.
func linkedManagers(t *testing.T, aliceH, bobH Handlers) (alice, bob *Manager) {
	t.Helper()
	done := make(chan struct{})
	aliceSig := &linkedSignaler{name: "alice", out: make(chan []byte, 256), done: done}
	bobSig := &linkedSignaler{name: "bob", out: make(chan []byte, 256), done: done}

	alice = NewManager(aliceSig, Options{API: loopbackAPI(), Media: &SampleSource{}}, aliceH)
	bob = NewManager(bobSig, Options{API: loopbackAPI(), Media: &SampleSource{}}, bobH)

	go aliceSig.deliverTo(bob)
	go bobSig.deliverTo(alice)

	t.Cleanup(func() {
		close(done)
		alice.Hangup()
		bob.Hangup()
	})
	return alice, bob
}

// loopbackAPI gathers host candidates on loopback only, so calls connect
// without any network.
func loopbackAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetInterfaceFilter(func(name string) bool { return strings.HasPrefix(name, "lo") })

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		panic(err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
}

// remoteOffer produces an offer the way another participant would.
func remoteOffer(t *testing.T) *webrtc.SessionDescription {
	t.Helper()
	pc, err := loopbackAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return pc.LocalDescription()
}

func candidate(port string) *webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return &webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 " + port + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func waitState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", m.State(), want)
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestStartSendsRequest(t *testing.T) {
	sig := &recordingSignaler{name: "alice"}
	m := NewManager(sig, Options{}, Handlers{})

	if err := m.Start("screen"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("invalid kind: expected ErrInvalidKind, got %v", err)
	}

	if err := m.Start(protocol.CallAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != StateOutgoing {
		t.Errorf("state: got %s, want outgoing", m.State())
	}

	req := sig.find(protocol.TypeCallRequest)
	if req == nil || req.Caller != "alice" || req.CallType != protocol.CallAudio {
		t.Fatalf("call-request mismatch: got %+v", req)
	}

	if err := m.Start(protocol.CallVideo); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start: expected ErrBusy, got %v", err)
	}
}

func TestRequestWhileBusyRepliesBusy(t *testing.T) {
	sig := &recordingSignaler{name: "alice"}
	m := NewManager(sig, Options{}, Handlers{})
	m.Start(protocol.CallVideo)

	m.Handle(&protocol.Envelope{Type: protocol.TypeCallRequest, Caller: "bob", CallType: protocol.CallAudio})

	reject := sig.find(protocol.TypeCallReject)
	if reject == nil || reject.Message != "busy" || reject.Caller != "alice" {
		t.Fatalf("busy reply mismatch: got %+v", reject)
	}
	if m.State() != StateOutgoing {
		t.Errorf("state: got %s, want outgoing", m.State())
	}
}

func TestRingAndReject(t *testing.T) {
	sig := &recordingSignaler{name: "bob"}

	var ringCaller string
	var ringKind protocol.CallKind
	var endReason string
	m := NewManager(sig, Options{}, Handlers{
		OnRing: func(caller string, kind protocol.CallKind) { ringCaller, ringKind = caller, kind },
		OnEnd:  func(reason string) { endReason = reason },
	})

	m.Handle(&protocol.Envelope{Type: protocol.TypeCallRequest, Caller: "alice", CallType: protocol.CallVideo})
	if m.State() != StateRinging {
		t.Fatalf("state: got %s, want ringing", m.State())
	}
	if ringCaller != "alice" || ringKind != protocol.CallVideo {
		t.Errorf("ring mismatch: caller=%q kind=%q", ringCaller, ringKind)
	}
	if m.Remote() != "alice" {
		t.Errorf("remote mismatch: got %q", m.Remote())
	}

	if err := m.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state: got %s, want idle", m.State())
	}
	if endReason != "rejected" {
		t.Errorf("end reason: got %q", endReason)
	}
	if sig.find(protocol.TypeCallReject) == nil {
		t.Error("expected a call-reject envelope")
	}

	if err := m.Accept(); !errors.Is(err, ErrNoIncomingCall) {
		t.Errorf("Accept after Reject: expected ErrNoIncomingCall, got %v", err)
	}
	if err := m.Reject(); !errors.Is(err, ErrNoIncomingCall) {
		t.Errorf("second Reject: expected ErrNoIncomingCall, got %v", err)
	}
}

func TestLegacyRingDefaultsToVideo(t *testing.T) {
	m := NewManager(&recordingSignaler{name: "bob"}, Options{}, Handlers{})
	m.Handle(&protocol.Envelope{Type: protocol.TypeCall})

	if m.State() != StateRinging || m.Kind() != protocol.CallVideo {
		t.Errorf("got state=%s kind=%q, want ringing video", m.State(), m.Kind())
	}
}

// TestAcceptRejectRace verifies that exactly one of concurrent Accept and
// Reject calls wins a ring.
func TestAcceptRejectRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		sig := &recordingSignaler{name: "bob"}
		m := NewManager(sig, Options{API: loopbackAPI()}, Handlers{})
		m.Handle(&protocol.Envelope{Type: protocol.TypeCallRequest, Caller: "alice", CallType: protocol.CallAudio})

		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, action := range []func() error{m.Accept, m.Reject, m.Accept, m.Reject} {
			wg.Add(1)
			go func(action func() error) {
				defer wg.Done()
				if err := action(); err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrNoIncomingCall) {
					t.Errorf("unexpected error: %v", err)
				}
			}(action)
		}
		wg.Wait()

		if n := wins.Load(); n != 1 {
			t.Fatalf("iteration %d: %d winners, want 1", i, n)
		}
		m.Hangup()
	}
}

func TestAcceptSendsOffer(t *testing.T) {
	testCases := []struct {
		kind      protocol.CallKind
		offerType protocol.Type
		mline     string
	}{
		{protocol.CallAudio, protocol.TypeAudioOffer, "m=audio"},
		{protocol.CallVideo, protocol.TypeOffer, "m=video"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			sig := &recordingSignaler{name: "bob"}
			m := NewManager(sig, Options{API: loopbackAPI(), Media: &SampleSource{}}, Handlers{})
			defer m.Hangup()

			m.Handle(&protocol.Envelope{Type: protocol.TypeCallRequest, Caller: "alice", CallType: tc.kind})
			if err := m.Accept(); err != nil {
				t.Fatalf("Accept: %v", err)
			}

			types := sig.types()
			if len(types) != 2 || types[0] != protocol.TypeCallAccept || types[1] != tc.offerType {
				t.Fatalf("sent types mismatch: got %v", types)
			}
			offer := sig.find(tc.offerType).Offer
			if offer == nil || offer.Type != webrtc.SDPTypeOffer || !strings.Contains(offer.SDP, tc.mline) {
				t.Errorf("offer mismatch: got %+v", offer)
			}
			if m.State() != StateConnecting {
				t.Errorf("state: got %s, want connecting", m.State())
			}

			// Local candidates are only trickled after the offer.
			time.Sleep(200 * time.Millisecond)
			sig.mu.Lock()
			defer sig.mu.Unlock()
			for i, env := range sig.sent {
				if env.Type == tc.offerType {
					break
				}
				if env.Type == protocol.TypeCandidate {
					t.Fatalf("candidate sent at %d, before the offer", i)
				}
			}
		})
	}
}

// TestCandidatesQueuedUntilRemoteDescription verifies that candidates trickled
// after a direct offer are held while ringing and applied once it is answered.
func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	sig := &recordingSignaler{name: "bob"}
	var rang atomic.Bool
	m := NewManager(sig, Options{API: loopbackAPI()}, Handlers{
		OnRing: func(caller string, kind protocol.CallKind) {
			if caller == "" && kind == protocol.CallAudio {
				rang.Store(true)
			}
		},
	})
	defer m.Hangup()

	m.Handle(&protocol.Envelope{Type: protocol.TypeAudioOffer, Offer: remoteOffer(t)})
	if m.State() != StateRinging || !rang.Load() {
		t.Fatalf("direct offer should ring: state=%s rang=%v", m.State(), rang.Load())
	}

	m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate("50000")})
	m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate("50001")})
	if n := m.PendingCandidates(); n != 2 {
		t.Fatalf("pending while ringing: got %d, want 2", n)
	}

	if err := m.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if n := m.PendingCandidates(); n != 0 {
		t.Errorf("pending after answer: got %d, want 0", n)
	}

	answer := sig.find(protocol.TypeAnswer)
	if answer == nil || answer.Answer == nil || answer.Answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer mismatch: got %+v", answer)
	}
	if sig.find(protocol.TypeCallAccept) != nil {
		t.Error("answering a direct offer must not send call-accept")
	}

	// Candidates after the remote description are applied directly.
	m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate("50002")})
	if n := m.PendingCandidates(); n != 0 {
		t.Errorf("pending after remote description: got %d, want 0", n)
	}

	// A stray answer in stable state is ignored.
	m.Handle(&protocol.Envelope{Type: protocol.TypeAnswer, Answer: answer.Answer})
	if m.State() != StateConnecting {
		t.Errorf("state: got %s, want connecting", m.State())
	}
}

// TestIdleCandidatesDropped verifies that candidates of other exchanges in
// the room are not kept for the next call.
func TestIdleCandidatesDropped(t *testing.T) {
	m := NewManager(&recordingSignaler{name: "alice"}, Options{}, Handlers{})

	m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate("40000")})
	if n := m.PendingCandidates(); n != 0 {
		t.Fatalf("pending while idle: got %d, want 0", n)
	}

	m.Start(protocol.CallVideo)
	if n := m.PendingCandidates(); n != 0 {
		t.Errorf("pending after Start: got %d, want 0", n)
	}

	// Once a call is underway, early candidates are held again.
	m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate("40001")})
	if n := m.PendingCandidates(); n != 1 {
		t.Errorf("pending while outgoing: got %d, want 1", n)
	}
}

func TestCandidateQueueBound(t *testing.T) {
	m := NewManager(&recordingSignaler{name: "bob"}, Options{MaxPendingCandidates: 2}, Handlers{})
	m.Start(protocol.CallAudio)
	for _, port := range []string{"1", "2", "3"} {
		m.Handle(&protocol.Envelope{Type: protocol.TypeCandidate, Candidate: candidate(port)})
	}
	if n := m.PendingCandidates(); n != 2 {
		t.Errorf("pending: got %d, want 2", n)
	}

	q := newCandidateQueue(2)
	q.push(*candidate("1"))
	q.push(*candidate("2"))
	if dropped := q.push(*candidate("3")); !dropped {
		t.Error("expected the oldest candidate to be dropped")
	}
	items := q.drain()
	if len(items) != 2 || !strings.Contains(items[0].Candidate, " 2 typ") || !strings.Contains(items[1].Candidate, " 3 typ") {
		t.Errorf("queue order mismatch: %+v", items)
	}
	if q.len() != 0 {
		t.Errorf("drain left %d items", q.len())
	}
}

func TestRemoteRejectEndsOutgoing(t *testing.T) {
	var endReason string
	m := NewManager(&recordingSignaler{name: "alice"}, Options{}, Handlers{
		OnEnd: func(reason string) { endReason = reason },
	})
	m.Start(protocol.CallAudio)

	// A busy bystander does not cancel a call another member may answer.
	m.Handle(&protocol.Envelope{Type: protocol.TypeCallReject, Caller: "carol", Message: "busy"})
	if m.State() != StateOutgoing || endReason != "" {
		t.Fatalf("busy reply ended the call: state=%s reason=%q", m.State(), endReason)
	}

	m.Handle(&protocol.Envelope{Type: protocol.TypeCallReject, Caller: "bob"})
	if m.State() != StateIdle {
		t.Errorf("state: got %s, want idle", m.State())
	}
	if endReason != "rejected by bob" {
		t.Errorf("end reason: got %q", endReason)
	}

	// A reject for a call we are not making changes nothing.
	endReason = ""
	m.Handle(&protocol.Envelope{Type: protocol.TypeCallReject, Caller: "carol"})
	if endReason != "" {
		t.Errorf("unexpected end: %q", endReason)
	}
}

func TestRemoteAcceptMovesToConnecting(t *testing.T) {
	m := NewManager(&recordingSignaler{name: "alice"}, Options{}, Handlers{})
	m.Start(protocol.CallVideo)

	m.Handle(&protocol.Envelope{Type: protocol.TypeCallAccept, Caller: "bob"})
	if m.State() != StateConnecting || m.Remote() != "bob" {
		t.Errorf("got state=%s remote=%q, want connecting bob", m.State(), m.Remote())
	}
}

func TestStrayEnvelopesWhileIdle(t *testing.T) {
	sig := &recordingSignaler{name: "alice"}
	m := NewManager(sig, Options{}, Handlers{})

	m.Handle(&protocol.Envelope{Type: protocol.TypeAnswer, Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}})
	m.Handle(&protocol.Envelope{Type: protocol.TypeCallAccept, Caller: "bob"})
	m.Handle(&protocol.Envelope{Type: protocol.TypeEndCall, Caller: "bob"})

	if m.State() != StateIdle {
		t.Errorf("state: got %s, want idle", m.State())
	}
	if types := sig.types(); len(types) != 0 {
		t.Errorf("unexpected envelopes: %v", types)
	}
	if err := m.Hangup(); err != nil {
		t.Errorf("Hangup while idle: %v", err)
	}
}

func TestEndCallFromRemote(t *testing.T) {
	var endReason string
	m := NewManager(&recordingSignaler{name: "bob"}, Options{}, Handlers{
		OnEnd: func(reason string) { endReason = reason },
	})
	m.Handle(&protocol.Envelope{Type: protocol.TypeCallRequest, Caller: "alice", CallType: protocol.CallAudio})

	m.Handle(&protocol.Envelope{Type: protocol.TypeEndCall, Caller: "alice"})
	if m.State() != StateIdle {
		t.Errorf("state: got %s, want idle", m.State())
	}
	if endReason != "ended by alice" {
		t.Errorf("end reason: got %q", endReason)
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

// TestCallConnectsOverLoopback runs a full request/accept/offer/answer/candidate
// exchange between two managers and hangs up.
func TestCallConnectsOverLoopback(t *testing.T) {
	rings := make(chan string, 1)
	bobEnded := make(chan string, 1)
	aliceTracks := make(chan webrtc.RTPCodecType, 4)
	bobTracks := make(chan webrtc.RTPCodecType, 4)

	alice, bob := linkedManagers(t,
		Handlers{
			OnTrack: func(kind webrtc.RTPCodecType) { aliceTracks <- kind },
		},
		Handlers{
			OnRing:  func(caller string, _ protocol.CallKind) { rings <- caller },
			OnEnd:   func(reason string) { bobEnded <- reason },
			OnTrack: func(kind webrtc.RTPCodecType) { bobTracks <- kind },
		},
	)

	if err := alice.Start(protocol.CallAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case caller := <-rings:
		if caller != "alice" {
			t.Errorf("caller mismatch: got %q", caller)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never rang")
	}

	if err := bob.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	waitState(t, alice, StateActive, 10*time.Second)
	waitState(t, bob, StateActive, 10*time.Second)

	if alice.Kind() != protocol.CallAudio || bob.Kind() != protocol.CallAudio {
		t.Errorf("kind mismatch: alice=%q bob=%q", alice.Kind(), bob.Kind())
	}

	// Both sides feed silence, so each receives the other's audio track.
	for name, tracks := range map[string]chan webrtc.RTPCodecType{"alice": aliceTracks, "bob": bobTracks} {
		select {
		case kind := <-tracks:
			if kind != webrtc.RTPCodecTypeAudio {
				t.Errorf("%s track kind: got %s, want audio", name, kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never received remote audio", name)
		}
	}

	if err := alice.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	select {
	case reason := <-bobEnded:
		if reason != "ended by alice" && !strings.HasPrefix(reason, "connection") {
			t.Errorf("end reason: got %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bob's call never ended")
	}
	if alice.State() != StateIdle {
		t.Errorf("alice state: got %s, want idle", alice.State())
	}
}
