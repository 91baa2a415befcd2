// Package app contains the top-level orchestration of the relay and the
// chat/call client.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/roomcall/internal/call"
	"github.com/1ureka/roomcall/internal/config"
	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/signaling"
	"github.com/1ureka/roomcall/internal/util"
)

// session is a joined room with its call manager and terminal output.
type session struct {
	client *signaling.Client
	calls  *call.Manager

	outMu sync.Mutex // handlers print from socket and pion goroutines
	out   io.Writer
}

// RunJoin orchestrates the client lifecycle:
//  1. Join the room over the relay socket
//  2. Bind the call manager to the socket
//  3. Read commands from in until /quit, EOF, or ctx is cancelled
//  4. Hang up and leave the room
func RunJoin(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	// ── 1. Room socket ─────────────────────────────────────────────────
	client, err := signaling.New(signaling.Options{
		URL:            cfg.Client.URL,
		Room:           cfg.Client.Room,
		Username:       cfg.Client.Username,
		ReconnectDelay: cfg.Client.ReconnectDelay,
	})
	if err != nil {
		return err
	}

	s := &session{client: client, out: out}

	// ── 2. Calls ───────────────────────────────────────────────────────
	s.calls = call.NewManager(client, call.Options{
		STUNServers:          cfg.WebRTC.STUNServers,
		MaxPendingCandidates: cfg.WebRTC.MaxPendingCandidates,
		Media:                &call.SampleSource{StreamID: client.Username()},
	}, call.Handlers{
		OnRing:  s.onRing,
		OnEnd:   s.onEnd,
		OnTrack: s.onTrack,
	})

	client.OnText(s.onText)
	client.OnMessage(s.calls.Handle)
	client.OnStateChange(s.onConnState(cfg.Client.ReconnectDelay))

	util.LogInfo("joining room %s as %s (%s)", client.Room(), client.Username(), client.Endpoint())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	defer client.Close()

	util.StartStatsReporter(ctx, cfg.Client.StatsInterval)
	s.printf("type /help for commands\n")

	// ── 3. Command loop ────────────────────────────────────────────────
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-client.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.leave()
			return nil

		case <-client.Done():
			return errors.New("room connection closed")

		case line, ok := <-lines:
			if !ok {
				s.leave()
				return nil
			}
			if quit := s.execute(ctx, line); quit {
				s.leave()
				return nil
			}
		}
	}
}

// execute runs one input line and reports whether the user asked to quit.
// Errors are printed, never fatal.
func (s *session) execute(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		util.LogWarning("%v", err)
		return false
	}

	switch cmd.kind {
	case cmdChat:
		err = s.client.SendText(cmd.text)
	case cmdCall:
		err = s.calls.Start(cmd.call)
	case cmdAccept:
		err = s.calls.Accept()
	case cmdReject:
		err = s.calls.Reject()
	case cmdHangup:
		err = s.calls.Hangup()
	case cmdUpload:
		err = s.upload(ctx, cmd.text)
	case cmdStatus:
		s.printStatus()
	case cmdHelp:
		s.printf("%s\n", helpText)
	case cmdQuit:
		return true
	}

	if err != nil {
		util.LogWarning("%v", err)
	}
	return false
}

func (s *session) upload(ctx context.Context, path string) error {
	res, err := s.client.Upload(ctx, path)
	if err != nil {
		return err
	}
	util.LogSuccess("%s (%s)", res.Message, res.Filename)
	return nil
}

// leave ends any call before the socket is closed, so the other side hears end-call.
func (s *session) leave() {
	if err := s.calls.Hangup(); err != nil && !errors.Is(err, signaling.ErrNotConnected) {
		util.LogWarning("failed to hang up: %v", err)
	}
}

func (s *session) printStatus() {
	s.printf("room %s as %s: %s\n", s.client.Room(), s.client.Username(), s.client.State())

	state := s.calls.State()
	if state == call.StateIdle {
		s.printf("no call\n")
		return
	}
	remote := s.calls.Remote()
	if remote == "" {
		remote = "peer"
	}
	s.printf("%s call with %s: %s\n", s.calls.Kind(), remote, state)
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (s *session) onText(username, message string, mine bool) {
	if mine {
		username = "Me"
	}
	s.printf("%s: %s\n", pterm.Bold.Sprint(username), message)
}

func (s *session) onRing(caller string, kind protocol.CallKind) {
	if caller == "" {
		caller = "a peer"
	}
	s.printf("incoming %s call from %s (/accept or /reject)\n", kind, caller)
}

func (s *session) onEnd(reason string) {
	s.printf("call ended: %s\n", reason)
}

func (s *session) onTrack(kind webrtc.RTPCodecType) {
	s.printf("receiving remote %s\n", kind)
}

func (s *session) onConnState(delay time.Duration) func(signaling.State) {
	return func(state signaling.State) {
		switch state {
		case signaling.StateOpen:
			util.LogSuccess("joined room %s as %s", s.client.Room(), s.client.Username())
		case signaling.StateConnecting:
			util.LogWarning("connection lost, reconnecting every %s", delay)
		case signaling.StateClosed:
			util.LogInfo("left room %s", s.client.Room())
		}
	}
}
