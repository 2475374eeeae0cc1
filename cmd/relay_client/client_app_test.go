package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/config"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/engine/enginetest"
	"github.com/arzzra/media_relay/pkg/sender"
)

func TestClientApp_UnloadsWhenSenderStops(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", &enginetest.Script{
		Streams: []engine.StreamInfo{enginetest.NewVideoStream(0), enginetest.NewAudioStream(1)},
		Frames: []engine.Frame{
			{StreamIndex: 0, Data: []byte{1}},
			{StreamIndex: 1, Data: []byte{2}},
		},
	})

	cfg := config.DefaultClientConfig()
	cfg.Mode = sender.ModeFile
	cfg.Input = "in.mp4"
	cfg.OutputFile = filepath.Join(t.TempDir(), "out.mp4")

	svc := newClientApp(cfg, eng, slog.Default(), nil)
	svc.newNegotiator = func(*config.ClientConfig, *slog.Logger) sender.Negotiator {
		t.Error("в режиме file управляющий канал не нужен")
		return nil
	}

	a := app.New(svc, app.Options{ShutdownTick: 10 * time.Millisecond}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("клиент не выгрузился после остановки отправителя")
	}

	outs := eng.Outputs()
	require.Len(t, outs, 1)
	assert.Len(t, outs[0].Frames(), 2)
	assert.True(t, outs[0].Closed())
	assert.Equal(t, 0, a.Tracker().Count())
}

func TestClientApp_ServerModeUsesNegotiator(t *testing.T) {
	eng := enginetest.New()
	eng.SetInput("in.mp4", &enginetest.Script{
		Streams: []engine.StreamInfo{enginetest.NewVideoStream(0), enginetest.NewAudioStream(1)},
	})

	cfg := config.DefaultClientConfig()
	cfg.Input = "in.mp4"
	cfg.SDPFile = ""

	neg := &refusingNegotiator{}
	svc := newClientApp(cfg, eng, slog.Default(), nil)
	svc.newNegotiator = func(*config.ClientConfig, *slog.Logger) sender.Negotiator { return neg }

	a := app.New(svc, app.Options{ShutdownTick: 10 * time.Millisecond}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("клиент не выгрузился")
	}
	assert.True(t, neg.dialed)
	assert.Empty(t, eng.Outputs())
}

type refusingNegotiator struct {
	dialed bool
}

func (n *refusingNegotiator) Dial(context.Context) error {
	n.dialed = true
	return context.DeadlineExceeded
}

func (n *refusingNegotiator) ReservePorts(context.Context) (uint16, uint16, error) {
	return 0, 0, nil
}

func (n *refusingNegotiator) StartStream(context.Context, string) (bool, error) {
	return false, nil
}

func (n *refusingNegotiator) Close() error { return nil }

func TestRootCmd_InvalidMode(t *testing.T) {
	cmd := newRootCmd()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--mode", "7", "movie.mp4"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "режим")
}

func TestRootCmd_TooManyArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"a.mp4", "b.mp4"})
	assert.Error(t, cmd.Execute())
}
