package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/frontdesklabs/call-engine/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel = "reception:call:session:cleanup"
	SessionTTL     = 1 * time.Hour
)

// CleanupMessage is the payload for the cross-pod cleanup broadcast.
type CleanupMessage struct {
	CallID string `json:"call_id"`
}

// Monitor mirrors live session info into Redis so operators and sibling pods
// can see which instance holds which call, and carries the cleanup broadcast
// channel used when a pod must release a session it does not own.
type Monitor struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewMonitor(redisSvc redis.RedisServiceInterface, podID string) *Monitor {
	return &Monitor{redisSvc: redisSvc, podID: podID}
}

// Register writes (or refreshes) the session's monitoring record.
func (m *Monitor) Register(ctx context.Context, info domain.SessionInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, _ := json.Marshal(info)
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, info.SessionID)

	err := m.redisSvc.SetValue(ctx, key, string(data), SessionTTL)
	if err == nil {
		logger.Base().Debug("Session registered in Redis",
			zap.String("session_id", info.SessionID),
			zap.String("pod_id", m.podID))
	}
	return err
}

// Unregister removes the session's monitoring record.
func (m *Monitor) Unregister(ctx context.Context, sessionID string) error {
	key := m.redisSvc.GenerateKey(redis.SESSION_INFO, sessionID)
	return m.redisSvc.DelValue(ctx, key)
}

// NotifyCleanup broadcasts a release request for a call to all pods.
func (m *Monitor) NotifyCleanup(ctx context.Context, callID string) error {
	logger.Base().Info("Broadcasting session cleanup", zap.String("call_id", callID))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID})
}

// SubscribeToCleanup listens for cleanup broadcasts.
func (m *Monitor) SubscribeToCleanup(ctx context.Context, handler func(callID string)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		handler(msg.CallID)
	})
}
