package stream_svc

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_relay/pkg/app"
	"github.com/arzzra/media_relay/pkg/control"
	"github.com/arzzra/media_relay/pkg/engine"
	"github.com/arzzra/media_relay/pkg/engine/enginetest"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=test\r\nt=0 0\r\nm=video 35000 RTP/AVP 96\r\n"

type testOwner struct {
	reactor *app.Reactor
	tracker *app.Tracker
	workers *app.Workers
}

func newTestOwner(t *testing.T) *testOwner {
	t.Helper()
	o := &testOwner{
		reactor: app.NewReactor(nil),
		tracker: app.NewTracker(),
		workers: app.NewWorkers(),
	}
	go o.reactor.Run()
	t.Cleanup(o.reactor.Stop)
	return o
}

func (o *testOwner) Post(fn func())         { o.reactor.Post(fn) }
func (o *testOwner) Tracker() *app.Tracker { return o.tracker }
func (o *testOwner) Workers() *app.Workers { return o.workers }

// call выполняет fn на реакторе и ждет
func (o *testOwner) call(t *testing.T, fn func()) {
	t.Helper()
	require.True(t, o.reactor.BlockedCall(fn))
}

type fixture struct {
	owner *testOwner
	eng   *enginetest.Engine
	svc   *Service
	dir   string
	port  int
}

func newFixture(t *testing.T, maxClients int, script *enginetest.Script) *fixture {
	t.Helper()

	f := &fixture{
		owner: newTestOwner(t),
		eng:   enginetest.New(),
		dir:   t.TempDir(),
	}
	f.eng.SetDefaultInput(script)

	f.svc = New(Config{
		ListenAddress: "127.0.0.1",
		Port:          0,
		MaxClients:    maxClients,
		OutputDir:     f.dir,
		InputTimeout:  time.Minute,
	}, f.owner, f.eng, nil, nil)

	var err error
	f.owner.call(t, func() { err = f.svc.Initialize() })
	require.NoError(t, err)

	f.port = f.svc.Addr().(*net.TCPAddr).Port
	t.Cleanup(func() { f.owner.reactor.BlockedCall(f.svc.Uninitialize) })
	return f
}

func (f *fixture) sessions(t *testing.T) []*Session {
	t.Helper()
	var out []*Session
	f.owner.call(t, func() { out = f.svc.Sessions() })
	return out
}

func (f *fixture) availablePorts(t *testing.T) int {
	t.Helper()
	var n int
	f.owner.call(t, func() { n = f.svc.AvailablePorts() })
	return n
}

func (f *fixture) sessionState(t *testing.T, s *Session) string {
	t.Helper()
	var state string
	f.owner.call(t, func() { state = s.State() })
	return state
}

func (f *fixture) negotiator(t *testing.T) *control.Negotiator {
	t.Helper()
	n := control.NewNegotiator("127.0.0.1", f.port, time.Second, nil)
	require.NoError(t, n.Dial(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

func streamingScript() *enginetest.Script {
	return &enginetest.Script{
		Streams: []engine.StreamInfo{enginetest.NewVideoStream(0), enginetest.NewAudioStream(1)},
		Block:   true,
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_Handshake(t *testing.T) {
	f := newFixture(t, 2, streamingScript())
	n := f.negotiator(t)

	port1, port2, err := n.ReservePorts(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(35000), port1)
	assert.Equal(t, uint16(35002), port2)
	assert.Equal(t, 2, f.availablePorts(t))

	ok, err := n.StartStream(testCtx(t), testSDP)
	require.NoError(t, err)
	assert.True(t, ok)

	sessions := f.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, 101, sessions[0].ID())
	assert.Equal(t, StateReceiverProcessed, f.sessionState(t, sessions[0]))

	saved, err := os.ReadFile(filepath.Join(f.dir, "sdp101.sdp"))
	require.NoError(t, err)
	assert.Equal(t, testSDP, string(saved))

	require.Eventually(t, func() bool { return len(f.eng.Outputs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, filepath.Join(f.dir, "out101.mp4"), f.eng.Outputs()[0].Locator)
	assert.Equal(t, filepath.Join(f.dir, "sdp101.sdp"), f.eng.Inputs()[0].Locator)

	// Закрытие соединения клиентом разбирает сессию
	require.NoError(t, n.Close())
	require.Eventually(t, func() bool { return len(f.sessions(t)) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.availablePorts(t))
	assert.Equal(t, 1, f.owner.tracker.Count())
	assert.True(t, f.eng.Outputs()[0].Closed())
	assert.True(t, f.eng.Inputs()[0].Closed())
}

func TestService_ReceiverFails(t *testing.T) {
	f := newFixture(t, 2, &enginetest.Script{OpenErr: engine.ErrStreamNotFound})
	n := f.negotiator(t)

	_, _, err := n.ReservePorts(testCtx(t))
	require.NoError(t, err)

	ok, err := n.StartStream(testCtx(t), testSDP)
	require.NoError(t, err)
	assert.False(t, ok)

	// После FAIL сервер закрывает соединение и возвращает порты
	require.Eventually(t, func() bool { return len(f.sessions(t)) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.availablePorts(t))

	_, _, err = n.ReservePorts(testCtx(t))
	assert.Error(t, err)
}

func TestService_PortExhaustion(t *testing.T) {
	f := newFixture(t, 1, streamingScript())

	first := f.negotiator(t)
	port1, port2, err := first.ReservePorts(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(35000), port1)
	assert.Equal(t, uint16(35002), port2)

	second := f.negotiator(t)
	port1, port2, err = second.ReservePorts(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), port1)
	assert.Equal(t, uint16(0), port2)

	sessions := f.sessions(t)
	require.Len(t, sessions, 2)
	ids := []int{sessions[0].ID(), sessions[1].ID()}
	sort.Ints(ids)
	assert.Equal(t, []int{101, 102}, ids)

	// Освобожденные порты снова доступны
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return len(f.sessions(t)) == 1 }, 2*time.Second, 10*time.Millisecond)

	third := f.negotiator(t)
	port1, port2, err = third.ReservePorts(testCtx(t))
	require.NoError(t, err)
	assert.NotZero(t, port1)
	assert.NotZero(t, port2)
}

func TestService_UnexpectedMessagesIgnored(t *testing.T) {
	f := newFixture(t, 2, streamingScript())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.port)))
	require.NoError(t, err)
	defer conn.Close()

	start, err := control.EncodeStartStream(testSDP)
	require.NoError(t, err)

	_, err = conn.Write([]byte{0x7f})
	require.NoError(t, err)
	_, err = conn.Write(start)
	require.NoError(t, err)
	_, err = conn.Write(control.EncodeReserveTwoPorts())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, control.PortsReplySize)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)

	port1, port2, err := control.DecodePorts(reply)
	require.NoError(t, err)
	assert.Equal(t, uint16(35000), port1)
	assert.Equal(t, uint16(35002), port2)

	sessions := f.sessions(t)
	require.Len(t, sessions, 1)
	require.Eventually(t, func() bool {
		return f.sessionState(t, sessions[0]) == StateWaitSDP
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.eng.Inputs())
}

func TestService_UninitializeStopsSessions(t *testing.T) {
	f := newFixture(t, 2, streamingScript())

	n := f.negotiator(t)
	_, _, err := n.ReservePorts(testCtx(t))
	require.NoError(t, err)
	ok, err := n.StartStream(testCtx(t), testSDP)
	require.NoError(t, err)
	require.True(t, ok)

	idle := f.negotiator(t)
	require.Eventually(t, func() bool { return len(f.sessions(t)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, f.owner.tracker.Count())

	f.owner.call(t, f.svc.Uninitialize)

	assert.Empty(t, f.sessions(t))
	assert.Equal(t, 0, f.owner.tracker.Count())
	assert.Equal(t, 4, f.availablePorts(t))
	assert.True(t, f.eng.Outputs()[0].Closed())

	_, _, err = idle.ReservePorts(testCtx(t))
	assert.Error(t, err)
}

func TestSession_StopIdempotent(t *testing.T) {
	f := newFixture(t, 2, streamingScript())
	n := f.negotiator(t)

	_, _, err := n.ReservePorts(testCtx(t))
	require.NoError(t, err)

	sessions := f.sessions(t)
	require.Len(t, sessions, 1)
	s := sessions[0]

	f.owner.call(t, func() {
		s.Stop()
		s.Stop()
		f.svc.StopSession(s)
	})

	assert.Equal(t, StateStopped, f.sessionState(t, s))
	assert.Empty(t, f.sessions(t))
	assert.Equal(t, 4, f.availablePorts(t))
	assert.Equal(t, 1, f.owner.tracker.Count())

	var p1, p2 uint16
	f.owner.call(t, func() { p1, p2 = s.Ports() })
	assert.Zero(t, p1)
	assert.Zero(t, p2)
}
