package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestEveryBuildsDescriptor(t *testing.T) {
	require.Equal(t, "@every 10m", Every("10m"))
}

func TestRegisterRejectsInvalidSchedule(t *testing.T) {
	s := New(testLog())
	err := s.Register(Job{Name: "bad", Schedule: "not-a-schedule", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestScheduledJobRunsAndStopWaitsForCompletion(t *testing.T) {
	s := New(testLog())

	var calls int32
	done := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Schedule: Every("1s"),
		Run: func(context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				close(done)
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Start(ctx)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}

	cancel()
	wg.Wait()
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(testLog())
	release := make(chan struct{})
	var starts, skips int32

	s.mu.Lock()
	s.running["slow"] = false
	s.mu.Unlock()

	run := func(context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-release
		return nil
	}

	go s.runOnce(Job{Name: "slow", Run: run})
	time.Sleep(50 * time.Millisecond)

	before := atomic.LoadInt32(&starts)
	s.runOnce(Job{Name: "slow", Run: func(context.Context) error {
		atomic.AddInt32(&skips, 1)
		return nil
	}})

	require.Equal(t, before, atomic.LoadInt32(&starts))
	require.Equal(t, int32(0), atomic.LoadInt32(&skips))
	close(release)
	time.Sleep(50 * time.Millisecond)
}
