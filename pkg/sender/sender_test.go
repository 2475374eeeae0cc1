package sender

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/engine/enginetest"
)

type stopRecorder struct {
	mu      sync.Mutex
	stopped int
}

func (r *stopRecorder) OnSenderStopped(*Sender) {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
}

func (r *stopRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type fakeNegotiator struct {
	mu          sync.Mutex
	calls       []string
	port1       uint16
	port2       uint16
	accept      bool
	dialErr     error
	description string
	closed      bool
}

func (n *fakeNegotiator) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

func (n *fakeNegotiator) Dial(context.Context) error {
	n.record("dial")
	return n.dialErr
}

func (n *fakeNegotiator) ReservePorts(context.Context) (uint16, uint16, error) {
	n.record("reserve")
	return n.port1, n.port2, nil
}

func (n *fakeNegotiator) StartStream(_ context.Context, description string) (bool, error) {
	n.record("start")
	n.mu.Lock()
	n.description = description
	n.mu.Unlock()
	return n.accept, nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// av файл: видео 0, аудио 1, второе видео 2
func mediaScript(frames int) *enginetest.Script {
	s := &enginetest.Script{
		Streams: []engine.StreamInfo{
			enginetest.NewVideoStream(0),
			enginetest.NewAudioStream(1),
			enginetest.NewVideoStream(2),
		},
	}
	for i := 0; i < frames; i++ {
		s.Frames = append(s.Frames, engine.Frame{
			StreamIndex: i % 3,
			Data:        []byte{byte(i)},
			PTS:         int64(i) * 40_000,
			DTS:         int64(i) * 40_000,
		})
	}
	return s
}

func TestSender_FileMode(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(6))

	neg := &fakeNegotiator{}
	rec := &stopRecorder{}
	out := filepath.Join(t.TempDir(), "out.mp4")

	s := New(Config{Mode: ModeFile, Input: "in.mp4", OutputFile: out}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Empty(t, neg.Calls())
	assert.Equal(t, StateUnloading, s.State())

	outs := eng.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, engine.FormatFile, outs[0].Format)
	assert.Equal(t, out, outs[0].Locator)
	assert.Len(t, outs[0].Streams, 2)
	assert.True(t, outs[0].Closed())

	// Кадры потока 2 не передаются
	written := outs[0].Frames()
	require.Len(t, written, 4)
	assert.Equal(t, 0, written[0].StreamIndex)
	assert.Equal(t, 1, written[1].StreamIndex)
	assert.Equal(t, int64(40), written[1].PTS)
	assert.Equal(t, int64(120), written[2].PTS)
}

func TestSender_ServerMode(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))

	neg := &fakeNegotiator{port1: 35004, port2: 35006, accept: true}
	rec := &stopRecorder{}
	sdpFile := filepath.Join(t.TempDir(), "sender.sdp")

	s := New(Config{
		Mode:          ModeServer,
		Input:         "in.mp4",
		ServerAddress: "10.0.0.5",
		SDPFile:       sdpFile,
	}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Equal(t, []string{"dial", "reserve", "start"}, neg.Calls())
	assert.True(t, neg.closed)

	outs := eng.Outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, "rtp://10.0.0.5:35004", outs[0].Locator)
	assert.Equal(t, "rtp://10.0.0.5:35006", outs[1].Locator)
	assert.Equal(t, engine.KindVideo, outs[0].Streams[0].Kind)
	assert.Equal(t, engine.KindAudio, outs[1].Streams[0].Kind)

	// Описание отправлено и сохранено
	assert.Contains(t, neg.description, "m=video 35004 RTP/AVP 96")
	assert.Contains(t, neg.description, "m=audio 35006 RTP/AVP 97")
	assert.Contains(t, neg.description, s.InstanceID())
	saved, err := os.ReadFile(sdpFile)
	require.NoError(t, err)
	assert.Equal(t, neg.description, string(saved))
	assert.Equal(t, neg.description, s.Description())

	// Кадр видео 0 и аудио 1, метки в 90 кГц
	require.Len(t, outs[0].Frames(), 1)
	require.Len(t, outs[1].Frames(), 1)
	audio := outs[1].Frames()[0]
	assert.Equal(t, 0, audio.StreamIndex)
	assert.Equal(t, int64(3600), audio.PTS)
}

func TestSender_ServerModeNoPorts(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))

	neg := &fakeNegotiator{accept: true}
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeServer, Input: "in.mp4"}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Equal(t, []string{"dial", "reserve"}, neg.Calls())
	assert.Empty(t, eng.Outputs())
	assert.True(t, eng.Inputs()[0].Closed())
}

func TestSender_ServerModeRejected(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))

	neg := &fakeNegotiator{port1: 35000, port2: 35002, accept: false}
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeServer, Input: "in.mp4"}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Equal(t, []string{"dial", "reserve", "start"}, neg.Calls())
	for _, out := range eng.Outputs() {
		assert.Empty(t, out.Frames())
		assert.True(t, out.Closed())
	}
}

func TestSender_DialFails(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))

	neg := &fakeNegotiator{dialErr: errors.New("connection refused")}
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeServer, Input: "in.mp4"}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()
	assert.Equal(t, []string{"dial"}, neg.Calls())
}

func TestSender_SingleMode(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))

	neg := &fakeNegotiator{}
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeSingle, Input: "in.mp4", Pacing: time.Millisecond}, rec, eng, neg, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Empty(t, neg.Calls())
	outs := eng.Outputs()
	require.Len(t, outs, 2)
	assert.Equal(t, "rtp://127.0.0.1:35000", outs[0].Locator)
	assert.Equal(t, "rtp://127.0.0.1:35002", outs[1].Locator)
}

func TestSender_NoAudioStream(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", &enginetest.Script{
		Streams: []engine.StreamInfo{enginetest.NewVideoStream(0)},
	})
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeFile, Input: "in.mp4", OutputFile: "out.mp4"}, rec, eng, nil, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()
	assert.Empty(t, eng.Outputs())
}

func TestSender_WriteErrorStops(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))
	eng.FailWrites(errors.New("network unreachable"))
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeSingle, Input: "in.mp4"}, rec, eng, nil, nil, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()
	assert.Equal(t, StateUnloading, s.State())
}

type nameSpawner struct {
	mu    sync.Mutex
	names []string
}

func (sp *nameSpawner) Go(name string, fn func()) {
	sp.mu.Lock()
	sp.names = append(sp.names, name)
	sp.mu.Unlock()
	go fn()
}

func TestSender_RunsThroughWorkers(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))
	rec := &stopRecorder{}
	workers := &nameSpawner{}

	s := New(Config{Mode: ModeSingle, Input: "in.mp4", Workers: workers}, rec, eng, nil, nil, nil)
	s.Initialize()
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	workers.mu.Lock()
	defer workers.mu.Unlock()
	assert.Equal(t, []string{"sender"}, workers.names)
}

func TestSender_EndOfInputIsNotError(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", mediaScript(3))
	rec := &stopRecorder{}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := New(Config{Mode: ModeFile, Input: "in.mp4", OutputFile: filepath.Join(t.TempDir(), "out.mp4")}, rec, eng, nil, logger, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Contains(t, buf.String(), "level=INFO msg=\"Вход передан полностью\"")
	assert.NotContains(t, buf.String(), "level=ERROR")
}

func TestSender_ReadErrorLoggedAsError(t *testing.T) {
	eng := enginetest.New()
	script := mediaScript(3)
	script.EndErr = errors.New("битый контейнер")
	eng.SetInput("in.mp4", script)
	rec := &stopRecorder{}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := New(Config{Mode: ModeFile, Input: "in.mp4", OutputFile: filepath.Join(t.TempDir(), "out.mp4")}, rec, eng, nil, logger, nil)
	s.Initialize()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Uninitialize()

	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "битый контейнер")
}

func TestSender_UninitializeWhileSending(t *testing.T) {
	eng := enginetest.New()
	script := mediaScript(3)
	script.Block = true
	eng.SetInput("in.mp4", script)
	rec := &stopRecorder{}

	s := New(Config{Mode: ModeSingle, Input: "in.mp4"}, rec, eng, nil, nil, nil)
	s.Initialize()
	s.Initialize()

	require.Eventually(t, func() bool { return s.State() == StateSending }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Uninitialize()
		s.Uninitialize()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Uninitialize завис")
	}

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, StateUnloading, s.State())
	for _, out := range eng.Outputs() {
		assert.True(t, out.Closed())
	}
}

func TestSender_UninitializeWithoutInitialize(t *testing.T) {
	s := New(Config{Mode: ModeFile}, &stopRecorder{}, enginetest.New(), nil, nil, nil)
	s.Uninitialize()
	assert.Equal(t, StateInitialize, s.State())
}

func TestMode(t *testing.T) {
	tests := []struct {
		mode  Mode
		name  string
		valid bool
	}{
		{ModeServer, "server", true},
		{ModeSingle, "single", true},
		{ModeFile, "file", true},
		{Mode(7), "mode(7)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.mode.String())
			assert.Equal(t, tt.valid, tt.mode.Valid())
		})
	}
}
