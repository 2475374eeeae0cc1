package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactor_Order(t *testing.T) {
	r := NewReactor(nil)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		r.Post(func() { got = append(got, i) })
	}
	r.Post(r.Stop)

	require.NoError(t, r.Run())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.False(t, r.Post(func() {}))
}

func TestReactor_StopDropsQueue(t *testing.T) {
	r := NewReactor(nil)

	ran := false
	r.Post(r.Stop)
	r.Post(func() { ran = true })

	require.NoError(t, r.Run())
	assert.False(t, ran)
}

func TestReactor_BlockedCall(t *testing.T) {
	r := NewReactor(nil)
	go r.Run()
	defer r.Stop()

	value := 0
	ok := r.BlockedCall(func() { value = 42 })
	assert.True(t, ok)
	assert.Equal(t, 42, value)
}

func TestReactor_BlockedCallAfterStop(t *testing.T) {
	r := NewReactor(nil)
	r.Stop()
	assert.False(t, r.BlockedCall(func() {}))
}

func TestReactor_Panic(t *testing.T) {
	r := NewReactor(nil)
	r.Post(func() { panic("сломалось") })

	err := r.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanic)
	assert.True(t, r.Stopped())
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 0, tr.Count())

	releaseA := tr.Acquire("service")
	releaseB := tr.Acquire("session-101")
	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, []string{"service", "session-101"}, tr.Names())

	releaseA()
	releaseA()
	assert.Equal(t, 1, tr.Count())

	releaseB()
	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, tr.Names())
}

func TestWorkers(t *testing.T) {
	w := NewWorkers()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, name := range []string{"receiver-102", "receiver-101"} {
		w.Go(name, func() {
			started <- struct{}{}
			<-release
		})
	}
	<-started
	<-started

	assert.Equal(t, []string{"receiver-101", "receiver-102"}, w.List())
	assert.Equal(t, 2, w.Count())

	close(release)
	w.Wait()
	assert.Equal(t, 0, w.Count())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger("warn", "json", &buf)
	logger.Info("не видно")
	logger.Warn("видно")

	assert.NotContains(t, buf.String(), "не видно")
	assert.Contains(t, buf.String(), `"msg":"видно"`)

	buf.Reset()
	NewLogger("debug", "text", &buf).Debug("отладка")
	assert.Contains(t, buf.String(), "msg=отладка")
	assert.Contains(t, buf.String(), "source=")
}

// testService держит слот трекера от AppRun до release
type testService struct {
	runErr    error
	holdAfter bool // не освобождать слот в AppStop

	mu      sync.Mutex
	release func()
	stops   atomic.Int32
}

func (s *testService) Name() string { return "test_service" }

func (s *testService) AppRun(host *Application) error {
	if s.runErr != nil {
		return s.runErr
	}
	s.mu.Lock()
	s.release = host.Tracker().Acquire("test_service")
	s.mu.Unlock()
	return nil
}

func (s *testService) AppStop() {
	s.stops.Add(1)
	if !s.holdAfter {
		s.Release()
	}
}

func (s *testService) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		s.release()
	}
}

func runApp(t *testing.T, a *Application, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("приложение не остановилось")
		return nil
	}
}

func TestApplication_CleanStop(t *testing.T) {
	svc := &testService{}
	a := New(svc, Options{ShutdownBudget: 10, ShutdownTick: 20 * time.Millisecond}, nil, nil)

	done := runApp(t, a, context.Background())
	require.Eventually(t, func() bool { return a.Tracker().Count() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	a.Unload()
	assert.True(t, a.Unloading())

	err := waitResult(t, done, 2*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), svc.stops.Load())
	// Чистая остановка раньше исчерпания бюджета
	assert.Less(t, time.Since(start), 10*20*time.Millisecond)
}

func TestApplication_ForceStop(t *testing.T) {
	svc := &testService{holdAfter: true}
	a := New(svc, Options{ShutdownBudget: 3, ShutdownTick: 10 * time.Millisecond}, nil, nil)

	done := runApp(t, a, context.Background())
	require.Eventually(t, func() bool { return a.Tracker().Count() == 1 }, time.Second, 5*time.Millisecond)

	a.Unload()
	a.Unload()

	err := waitResult(t, done, 2*time.Second)
	assert.ErrorIs(t, err, ErrForceStopped)
	assert.Equal(t, int32(1), svc.stops.Load())
}

func TestApplication_SecondInterruptExits(t *testing.T) {
	svc := &testService{holdAfter: true}

	var exitCode atomic.Int32
	exitCode.Store(-1)
	a := New(svc, Options{
		ShutdownBudget: 10,
		ShutdownTick:   time.Second,
		Exit:           func(code int) { exitCode.Store(int32(code)) },
	}, nil, nil)

	done := runApp(t, a, context.Background())
	require.Eventually(t, func() bool { return a.Tracker().Count() == 1 }, time.Second, 5*time.Millisecond)

	a.Interrupt()
	assert.Equal(t, int32(-1), exitCode.Load())

	a.Interrupt()
	assert.Equal(t, int32(1), exitCode.Load())

	// Фейковый Exit не завершает процесс, освобождаем держателя сами
	svc.Release()
	assert.NoError(t, waitResult(t, done, 3*time.Second))
}

func TestApplication_ContextCancel(t *testing.T) {
	svc := &testService{}
	a := New(svc, Options{ShutdownTick: 10 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runApp(t, a, ctx)
	require.Eventually(t, func() bool { return a.Tracker().Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, waitResult(t, done, 2*time.Second))
}

func TestApplication_RunError(t *testing.T) {
	svc := &testService{runErr: errors.New("порт занят")}
	a := New(svc, Options{}, nil, nil)

	err := waitResult(t, runApp(t, a, context.Background()), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "порт занят")
}

func TestApplication_PanicOnReactor(t *testing.T) {
	svc := &testService{}
	a := New(svc, Options{}, nil, nil)

	done := runApp(t, a, context.Background())
	a.Post(func() { panic("ошибка логики") })

	err := waitResult(t, done, time.Second)
	assert.ErrorIs(t, err, ErrPanic)
}

func TestApplication_BlockedCall(t *testing.T) {
	svc := &testService{}
	a := New(svc, Options{ShutdownTick: 10 * time.Millisecond}, nil, nil)

	done := runApp(t, a, context.Background())
	require.Eventually(t, func() bool { return a.Tracker().Count() == 1 }, time.Second, 5*time.Millisecond)

	var holders int
	require.True(t, a.BlockedCall(func() { holders = a.Tracker().Count() }))
	assert.Equal(t, 1, holders)

	a.Unload()
	assert.NoError(t, waitResult(t, done, 2*time.Second))
}
