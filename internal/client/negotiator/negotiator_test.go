package negotiator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"streamcast/internal/client/media"
	"streamcast/internal/core/domain"
	"streamcast/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Negotiation.Timeout = 5 * time.Second
	return cfg
}

func testTracks(t *testing.T) []webrtc.TrackLocal {
	t.Helper()
	lm, err := media.New(zap.NewNop().Sugar())
	require.NoError(t, err)
	return lm.Tracks()
}

func TestCreateOfferWithoutMedia(t *testing.T) {
	n, err := NewStreamer(testConfig(), nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()

	_, err = n.CreateOffer(context.Background())
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, StateIdle, n.State())
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()

	streamer, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer streamer.Close()

	viewer, err := NewViewer(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer viewer.Close()

	offer, err := streamer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOfferCreated, streamer.State())

	// The gathered offer carries its candidates inline.
	var sd webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offer, &sd))
	assert.Equal(t, webrtc.SDPTypeOffer, sd.Type)
	assert.Contains(t, sd.SDP, "candidate")

	answer, err := viewer.Accept(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, StateAnswerAwaited, viewer.State())

	require.NoError(t, streamer.SetRemoteAnswer(answer))
	assert.Equal(t, StateConnected, streamer.State())
}

func TestAnswerBeforeOffer(t *testing.T) {
	n, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()

	err = n.SetRemoteAnswer(json.RawMessage(`{"type":"answer","sdp":""}`))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAcceptTwice(t *testing.T) {
	ctx := context.Background()

	streamer, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer streamer.Close()
	offer, err := streamer.CreateOffer(ctx)
	require.NoError(t, err)

	viewer, err := NewViewer(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer viewer.Close()

	_, err = viewer.Accept(ctx, offer)
	require.NoError(t, err)

	_, err = viewer.Accept(ctx, offer)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDoubleAnswerRejected(t *testing.T) {
	ctx := context.Background()

	streamer, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer streamer.Close()

	viewer, err := NewViewer(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer viewer.Close()

	offer, err := streamer.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := viewer.Accept(ctx, offer)
	require.NoError(t, err)

	require.NoError(t, streamer.SetRemoteAnswer(answer))
	assert.ErrorIs(t, streamer.SetRemoteAnswer(answer), domain.ErrInvalidState)
}

func TestConcurrentCreateOffer(t *testing.T) {
	n, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()

	// Two callers race the same negotiator: exactly one wins, the other
	// is turned away before it can touch the local description.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := n.CreateOffer(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var okCount, rejected int
	for err := range errs {
		if err == nil {
			okCount++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		rejected++
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, StateOfferCreated, n.State())
}

func TestClosedNegotiatorRefusesEverything(t *testing.T) {
	n, err := NewStreamer(testConfig(), testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, n.Close())
	assert.Equal(t, StateClosed, n.State())
	require.NoError(t, n.Close()) // idempotent

	_, err = n.CreateOffer(context.Background())
	assert.ErrorIs(t, err, domain.ErrNegotiatorClosed)
	assert.ErrorIs(t, n.SetRemoteAnswer(json.RawMessage(`{}`)), domain.ErrNegotiatorClosed)
	assert.ErrorIs(t, n.AddRemoteCandidate(json.RawMessage(`{}`)), domain.ErrNegotiatorClosed)
}

func TestWatchdogFailsStalledNegotiation(t *testing.T) {
	cfg := testConfig()
	cfg.Negotiation.Timeout = 100 * time.Millisecond

	n, err := NewStreamer(cfg, testTracks(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()

	states := make(chan State, 8)
	n.onStateChange = func(s State) { states <- s }

	_, err = n.CreateOffer(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return n.State() == StateFailed
	}, 2*time.Second, 20*time.Millisecond, "watchdog should fail the stalled negotiation")

	// The listener saw the transition too.
	for {
		select {
		case s := <-states:
			if s == StateFailed {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no failed notification")
		}
	}
}

func TestCandidateBufferedBeforeRemoteDescription(t *testing.T) {
	n, err := NewViewer(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2113937151 127.0.0.1 54400 typ host"}`)
	assert.NoError(t, n.AddRemoteCandidate(cand))
}

func TestViewerRole(t *testing.T) {
	n, err := NewViewer(testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, domain.RoleViewer, n.Role())

	s, err := NewStreamer(testConfig(), nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, domain.RoleStreamer, s.Role())
}
