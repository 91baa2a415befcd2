package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/util"
)

// MediaSource supplies the local tracks sent during a call of the given kind.
type MediaSource interface {
	Tracks(kind protocol.CallKind) ([]webrtc.TrackLocal, error)
}

// Feeder is implemented by sources that write samples into their tracks
// themselves. Feed runs while the call is active and returns when ctx is done.
type Feeder interface {
	Feed(ctx context.Context)
}

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is one 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleSource creates one Opus track, plus one VP8 track for video calls.
// As a Feeder it keeps the audio track alive with Opus silence; there is no
// video encoder, so the VP8 track only reserves the m-line.
type SampleSource struct {
	StreamID string

	mu    sync.Mutex
	audio *webrtc.TrackLocalStaticSample
}

// Tracks implements MediaSource.
func (s *SampleSource) Tracks(kind protocol.CallKind) ([]webrtc.TrackLocal, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "roomcall"
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if kind == protocol.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	s.mu.Lock()
	s.audio = audio
	s.mu.Unlock()
	return tracks, nil
}

// Feed implements Feeder by writing a silent Opus frame every 20 ms into the
// audio track of the current call.
func (s *SampleSource) Feed(ctx context.Context) {
	s.mu.Lock()
	audio := s.audio
	s.mu.Unlock()
	if audio == nil {
		return
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
			if err != nil {
				util.LogDebug("audio feed stopped: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
