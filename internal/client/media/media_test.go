package media

import (
	"context"
	"io"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedSource struct {
	packets []*rtp.Packet
}

func (s *scriptedSource) ReadRTP() (*rtp.Packet, error) {
	if len(s.packets) == 0 {
		return nil, io.EOF
	}
	pkt := s.packets[0]
	s.packets = s.packets[1:]
	return pkt, nil
}

func TestNewCreatesSharedTracks(t *testing.T) {
	lm, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)

	tracks := lm.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())

	// Both tracks belong to one stream so viewers bind them together.
	assert.Equal(t, lm.AudioTrack().StreamID(), lm.VideoTrack().StreamID())
}

func TestPumpDrainsSourceWithoutViewers(t *testing.T) {
	lm, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)

	src := &scriptedSource{packets: []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1}},
		{Header: rtp.Header{SequenceNumber: 2}},
	}}

	// With no peer connection bound the packets are dropped, not fatal.
	err = lm.PumpAudio(context.Background(), src)
	assert.NoError(t, err)
	assert.Empty(t, src.packets)
}

func TestPumpStopsOnCancel(t *testing.T) {
	lm, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := &scriptedSource{packets: []*rtp.Packet{{}}}
	assert.ErrorIs(t, lm.PumpVideo(ctx, blocked), context.Canceled)
}
