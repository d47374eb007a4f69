package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

var errSourceClosed = errors.New("media source closed")

// MediaSource supplies the outgoing tracks for a broadcast session. Tracks
// must fail fast when the underlying capture cannot be opened so the caller
// can abort before announcing a room.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
	Close() error
}

// FileSource streams a VP8 IVF file on loop as a single video track.
type FileSource struct {
	path   string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	done   chan struct{}
	closed bool
}

// NewFileSource validates the path eagerly. A missing or unreadable file is
// reported here rather than after the room is announced.
func NewFileSource(path string, logger *zap.SugaredLogger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}
	_, _, err = ivfreader.NewWith(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("not a valid IVF file: %w", err)
	}
	return &FileSource{path: path, logger: logger, done: make(chan struct{})}, nil
}

func (s *FileSource) Tracks() ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}
	if s.track == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "beamnet-video",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.track = track
		go s.pump()
	}
	return []webrtc.TrackLocal{s.track}, nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// pump feeds IVF frames into the track at the file's native frame rate,
// rewinding at end of file so the stream never stops.
func (s *FileSource) pump() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.playOnce(); err != nil {
			if !errors.Is(err, errSourceClosed) {
				s.logger.Errorw("media playback stopped", "path", s.path, "error", err)
			}
			return
		}
	}
}

func (s *FileSource) playOnce() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}

	frameDuration := time.Millisecond *
		time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = time.Second / 30
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-s.done:
			return errSourceClosed
		case <-ticker.C:
		}

		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}
