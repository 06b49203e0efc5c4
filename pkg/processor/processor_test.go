/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/numaflow-projections/pkg/events"
	memsource "github.com/numaproj/numaflow-projections/pkg/events/memory"
	"github.com/numaproj/numaflow-projections/pkg/metrics"
	"github.com/numaproj/numaflow-projections/pkg/projection"
	"github.com/numaproj/numaflow-projections/pkg/projection/scheduler"
	"github.com/numaproj/numaflow-projections/pkg/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastBackoff = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1}

func testOptions() []Option {
	return []Option{
		WithPollInterval(time.Millisecond),
		WithHandlerBackoff(fastBackoff),
		WithAckBackoff(fastBackoff),
		WithLogger(zap.NewNop().Sugar()),
	}
}

type fakeService struct {
	lock        sync.Mutex
	pending     []*projection.ProjectionEvent
	acked       []int64
	retrieveErr error
	startupErr  error
	started     []string
}

func newFakeService(name string, seqs ...int64) *fakeService {
	f := &fakeService{}
	for _, seq := range seqs {
		f.pending = append(f.pending, &projection.ProjectionEvent{
			Event: events.Event{SequenceNumber: seq, ID: uuid.New()},
		})
		f.pending[len(f.pending)-1].Projection.Name = name
	}
	return f
}

func (f *fakeService) Startup(_ context.Context, workers []string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.started = workers
	return f.startupErr
}

func (f *fakeService) RetrieveEvent(_ context.Context, _ string) (*projection.ProjectionEvent, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	if len(f.pending) == 0 {
		return nil, nil
	}
	return f.pending[0], nil
}

func (f *fakeService) AcknowledgeEvent(_ context.Context, pe *projection.ProjectionEvent) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.pending) > 0 && f.pending[0] == pe {
		f.pending = f.pending[1:]
		f.acked = append(f.acked, pe.Event.SequenceNumber)
	}
	return nil
}

func (f *fakeService) ackedSeqs() []int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int64(nil), f.acked...)
}

// startProcessor runs p in the background and returns a func that stops it and
// returns the result of Start.
func startProcessor(t *testing.T, p *Processor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("processor did not stop")
			return nil
		}
	}
}

func TestNewProcessor(t *testing.T) {
	svc := newFakeService("p")
	_, err := NewProcessor(svc, projection.HandlerFunc(func(context.Context, *projection.ProjectionEvent) error { return nil }), nil)
	assert.ErrorIs(t, err, projection.ErrNoWorkers)

	_, err = NewProcessor(svc, nil, []string{"w1"}, WithPollInterval(0))
	assert.Error(t, err)

	_, err = NewProcessor(svc, nil, []string{"w1"}, WithHandlerBackoff(wait.Backoff{}))
	assert.Error(t, err)
}

func TestProcessor_HandlerRetries(t *testing.T) {
	svc := newFakeService("retry", 1, 2)
	var lock sync.Mutex
	attempts := map[int64]int{}
	handler := projection.HandlerFunc(func(_ context.Context, pe *projection.ProjectionEvent) error {
		lock.Lock()
		defer lock.Unlock()
		attempts[pe.Event.SequenceNumber]++
		if pe.Event.SequenceNumber == 1 && attempts[1] <= 2 {
			return errors.New("transient")
		}
		return nil
	})
	p, err := NewProcessor(svc, handler, []string{"w1"}, testOptions()...)
	require.NoError(t, err)
	stop := startProcessor(t, p)

	assert.Eventually(t, func() bool { return p.Processed() == 2 }, 5*time.Second, time.Millisecond)
	assert.NoError(t, stop())
	assert.Equal(t, []int64{1, 2}, svc.ackedSeqs())
	assert.Equal(t, []string{"w1"}, svc.started)
	assert.Equal(t, int64(0), p.Failed())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HandlerErrorCount.WithLabelValues("retry", "w1")))
}

func TestProcessor_HandlerGivesUp(t *testing.T) {
	svc := newFakeService("poison", 1)
	handler := projection.HandlerFunc(func(context.Context, *projection.ProjectionEvent) error {
		return errors.New("poison")
	})
	p, err := NewProcessor(svc, handler, []string{"w1"}, testOptions()...)
	require.NoError(t, err)
	stop := startProcessor(t, p)

	assert.Eventually(t, func() bool { return p.Failed() >= 1 }, 5*time.Second, time.Millisecond)
	assert.NoError(t, stop())
	assert.Empty(t, svc.ackedSeqs())
	assert.Equal(t, int64(0), p.Processed())
}

func TestProcessor_UnknownWorker(t *testing.T) {
	svc := newFakeService("p")
	svc.retrieveErr = &projection.UnknownWorkerErr{Worker: "w1"}
	p, err := NewProcessor(svc, projection.HandlerFunc(func(context.Context, *projection.ProjectionEvent) error { return nil }), []string{"w1"}, testOptions()...)
	require.NoError(t, err)

	err = p.Start(context.Background())
	var unknown *projection.UnknownWorkerErr
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "w1", unknown.Worker)

	assert.EqualError(t, p.Start(context.Background()), "processor already started")
}

func TestProcessor_StartupError(t *testing.T) {
	svc := newFakeService("p")
	svc.startupErr = projection.ErrNoProjections
	p, err := NewProcessor(svc, projection.HandlerFunc(func(context.Context, *projection.ProjectionEvent) error { return nil }), []string{"w1"}, testOptions()...)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Start(context.Background()), projection.ErrNoProjections)
}

func TestProcessor_WithScheduler(t *testing.T) {
	var evts []events.Event
	for seq := int64(1); seq <= 20; seq++ {
		evts = append(evts, events.Event{SequenceNumber: seq, ID: uuid.New(), EventType: "test", RecordedAt: time.Now()})
	}
	cs := memory.NewStore()
	sched, err := scheduler.NewScheduler(cs, memsource.NewSource(evts...),
		scheduler.WithProjections("orders"),
		scheduler.WithBatchSize(7),
		scheduler.WithIdleDurations([]time.Duration{time.Millisecond}),
		scheduler.WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)

	var lock sync.Mutex
	var seen []int64
	handler := projection.HandlerFunc(func(_ context.Context, pe *projection.ProjectionEvent) error {
		lock.Lock()
		defer lock.Unlock()
		seen = append(seen, pe.Event.SequenceNumber)
		return nil
	})
	p, err := NewProcessor(sched, handler, []string{"w1", "w2", "w3"}, testOptions()...)
	require.NoError(t, err)
	stop := startProcessor(t, p)

	assert.Eventually(t, func() bool { return p.Processed() == 20 }, 5*time.Second, time.Millisecond)
	assert.NoError(t, stop())

	lock.Lock()
	defer lock.Unlock()
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	require.Len(t, seen, 20)
	for i, seq := range seen {
		assert.Equal(t, int64(i+1), seq)
	}
	got, err := cs.GetOrCreateProjection(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.SequenceNumber)
}
