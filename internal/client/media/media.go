package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PacketSource produces RTP packets for one local track, typically backed
// by a capture pipeline or a file reader. ReadRTP returns io.EOF when the
// source is exhausted.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// LocalMedia owns the streamer's outgoing tracks. The same track instances
// attach to every viewer's peer connection, so one capture pipeline feeds
// all viewers.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	logger *zap.SugaredLogger
}

// New creates local audio (Opus) and video (VP8) tracks under one stream id.
func New(logger *zap.SugaredLogger) (*LocalMedia, error) {
	streamID := "streamcast-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	return &LocalMedia{audio: audio, video: video, logger: logger}, nil
}

// Tracks returns the local tracks to attach to a peer connection.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.audio, m.video}
}

func (m *LocalMedia) AudioTrack() *webrtc.TrackLocalStaticRTP { return m.audio }
func (m *LocalMedia) VideoTrack() *webrtc.TrackLocalStaticRTP { return m.video }

// PumpAudio and PumpVideo copy packets from a source onto the shared track
// until the source ends or the context is cancelled.
func (m *LocalMedia) PumpAudio(ctx context.Context, src PacketSource) error {
	return m.pump(ctx, src, m.audio, "audio")
}

func (m *LocalMedia) PumpVideo(ctx context.Context, src PacketSource) error {
	return m.pump(ctx, src, m.video, "video")
}

func (m *LocalMedia) pump(ctx context.Context, src PacketSource, track *webrtc.TrackLocalStaticRTP, kind string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.logger.Infow("media source ended", "kind", kind)
				return nil
			}
			return fmt.Errorf("read %s packet: %w", kind, err)
		}

		if err := track.WriteRTP(pkt); err != nil {
			// ErrClosedPipe means no viewer is attached yet; packets are
			// dropped until one subscribes.
			if errors.Is(err, io.ErrClosedPipe) {
				continue
			}
			return fmt.Errorf("write %s packet: %w", kind, err)
		}
	}
}

// RemoteTrack is one incoming media track on the viewer side.
type RemoteTrack struct {
	Kind     string
	StreamID string
	track    *webrtc.TrackRemote
}

// NewRemoteTrack wraps an incoming track for consumption.
func NewRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		Kind:     track.Kind().String(),
		StreamID: track.StreamID(),
		track:    track,
	}
}

// Consume drains packets from the remote track, forwarding each to sink.
// A nil sink discards packets, which still keeps the jitter buffer moving.
func (t *RemoteTrack) Consume(ctx context.Context, sink func(*rtp.Packet)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read remote %s packet: %w", t.Kind, err)
		}
		if sink != nil {
			sink(pkt)
		}
	}
}
