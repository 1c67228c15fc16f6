package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	healthy  error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	s.rec.add("start:" + s.name)
	return s.startErr
}

func (s *fakeService) Stop(context.Context) error {
	s.rec.add("stop:" + s.name)
	return s.stopErr
}

func (s *fakeService) HealthCheck(context.Context) error { return s.healthy }

func quietRunner(services []Service, opts ...Option) *Runner {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSignalHandling(false),
	}, opts...)
	return New(services, opts...)
}

func TestRunStartsInOrderAndStopsInReverse(t *testing.T) {
	rec := &recorder{}
	r := quietRunner([]Service{
		&fakeService{name: "store", rec: rec},
		&fakeService{name: "bus", rec: rec},
		&fakeService{name: "engine", rec: rec},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{
		"start:store", "start:bus", "start:engine",
		"stop:engine", "stop:bus", "stop:store",
	}, rec.list())
}

func TestStartFailureStopsStartedServices(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("port in use")
	r := quietRunner([]Service{
		&fakeService{name: "store", rec: rec},
		&fakeService{name: "bus", rec: rec, startErr: boom},
		&fakeService{name: "engine", rec: rec},
	})

	err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start:store", "start:bus", "stop:store"}, rec.list())
}

func TestStopCollectsErrors(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("flush failed")
	services := []Service{
		&fakeService{name: "store", rec: rec},
		&fakeService{name: "bus", rec: rec, stopErr: boom},
	}
	r := quietRunner(services)

	started, err := r.Start(context.Background())
	require.NoError(t, err)

	err = r.Stop(started)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start:store", "start:bus", "stop:bus", "stop:store"}, rec.list())
}

func TestHealthCheck(t *testing.T) {
	rec := &recorder{}
	sick := errors.New("disk full")
	r := quietRunner([]Service{
		&fakeService{name: "store", rec: rec},
		&fakeService{name: "bus", rec: rec, healthy: sick},
	})

	err := r.HealthCheck(context.Background())
	require.ErrorIs(t, err, sick)
	assert.Contains(t, err.Error(), "bus")
}
