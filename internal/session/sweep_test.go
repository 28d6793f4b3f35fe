package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/signalbox/internal/config"
)

func TestNewSweeper(t *testing.T) {
	f := newFixture(t, config.ChatConfig{SessionTTL: time.Minute})

	_, err := NewSweeper(f.manager, "@every 1m")
	require.Error(t, err, "descriptors are not 5-field expressions")

	_, err = NewSweeper(nil, "*/5 * * * *")
	require.Error(t, err)

	s, err := NewSweeper(f.manager, "*/5 * * * *")
	require.NoError(t, err)
	next := s.Next()
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 0, next.Minute()%5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("SIGNALBOX_TEST_REDIS")
	if addr == "" {
		t.Skip("SIGNALBOX_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t, config.ChatConfig{})
	entered := make(chan string, 1)
	f.executor.entered = entered
	sess, _ := f.attach(t, "s1")

	cfg := config.RedisConfig{Addr: addr, Channel: "signalbox:test:" + time.Now().Format("150405.000")}
	local, err := NewBus(ctx, cfg, nil)
	require.NoError(t, err)
	defer local.Close()
	remote, err := NewBus(ctx, cfg, nil)
	require.NoError(t, err)
	defer remote.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		local.Run(runCtx, f.manager)
	}()
	defer func() {
		stop()
		<-done
	}()

	_, err = f.manager.Submit(ctx, "s1", "slow question", "m1")
	require.NoError(t, err)
	<-entered

	require.Eventually(t, func() bool {
		require.NoError(t, remote.Publish(ctx, "s1", "user_cancel"))
		select {
		case <-sess.Run().Done():
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
