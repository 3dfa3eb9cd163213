package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/frontdesklabs/call-engine/internal/domain"
	redisSrv "github.com/frontdesklabs/call-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, podID string) (*Monitor, *miniredis.Miniredis, redisSrv.RedisServiceInterface) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	svc := redisSrv.NewRedisServiceWithClient(client)
	return NewMonitor(svc, podID), mr, svc
}

func TestMonitorRegisterMirrorsSession(t *testing.T) {
	m, mr, svc := newTestMonitor(t, "pod-1")

	err := m.Register(context.Background(), domain.SessionInfo{
		SessionID: "sess-1",
		CallID:    "call-1",
		TenantID:  "tenant-1",
		Status:    domain.SessionActive,
	})
	require.NoError(t, err)

	key := svc.GenerateKey(redisSrv.SESSION_INFO, "sess-1")
	raw, err := mr.Get(key)
	require.NoError(t, err)

	var info domain.SessionInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "pod-1", info.PodID)
	assert.Equal(t, "call-1", info.CallID)
	assert.False(t, info.StartTime.IsZero())
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestMonitorUnregisterRemovesSession(t *testing.T) {
	m, mr, svc := newTestMonitor(t, "pod-1")

	require.NoError(t, m.Register(context.Background(), domain.SessionInfo{SessionID: "sess-1"}))
	require.NoError(t, m.Unregister(context.Background(), "sess-1"))

	assert.False(t, mr.Exists(svc.GenerateKey(redisSrv.SESSION_INFO, "sess-1")))
}

func TestMonitorCleanupBroadcastReachesSubscribers(t *testing.T) {
	m, _, _ := newTestMonitor(t, "pod-1")

	got := make(chan string, 8)
	require.NoError(t, m.SubscribeToCleanup(context.Background(), func(callID string) {
		got <- callID
	}))

	// The subscription registers asynchronously; republish until it lands.
	require.Eventually(t, func() bool {
		require.NoError(t, m.NotifyCleanup(context.Background(), "call-9"))
		select {
		case callID := <-got:
			assert.Equal(t, "call-9", callID)
			return true
		default:
			return false
		}
	}, time.Second, 20*time.Millisecond)
}
