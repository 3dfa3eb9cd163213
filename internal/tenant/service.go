package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

// AgentConfig is the per-tenant AI receptionist persona, supplied by the
// tenant configuration collaborator and sent to the backend once per session.
type AgentConfig struct {
	TenantID     string  `json:"tenant_id"`
	Greeting     string  `json:"greeting"`
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Language     string  `json:"language,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// ConfigService resolves a tenant's agent configuration. Called once per
// session open.
type ConfigService interface {
	GetAgentConfig(ctx context.Context, tenantID string) (*AgentConfig, error)
}

// HTTPConfigService fetches agent configuration from the tenant config
// collaborator over HTTP, with a small read-through cache so a burst of calls
// for one tenant does not hammer the collaborator.
type HTTPConfigService struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	cache map[string]cachedConfig
	ttl   time.Duration
}

type cachedConfig struct {
	cfg     *AgentConfig
	fetched time.Time
}

func NewHTTPConfigService(baseURL string) *HTTPConfigService {
	return &HTTPConfigService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		cache:   make(map[string]cachedConfig),
		ttl:     5 * time.Minute,
	}
}

func (s *HTTPConfigService) GetAgentConfig(ctx context.Context, tenantID string) (*AgentConfig, error) {
	s.mu.RLock()
	if c, ok := s.cache[tenantID]; ok && time.Since(c.fetched) < s.ttl {
		s.mu.RUnlock()
		return c.cfg, nil
	}
	s.mu.RUnlock()

	url := fmt.Sprintf("%s/internal/tenants/%s/agent-config", s.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenant config fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tenant config fetch for %s: status %d", tenantID, resp.StatusCode)
	}

	var cfg AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("tenant config decode: %w", err)
	}
	cfg.TenantID = tenantID

	s.mu.Lock()
	s.cache[tenantID] = cachedConfig{cfg: &cfg, fetched: time.Now()}
	s.mu.Unlock()

	logger.Base().Debug("Tenant agent config fetched", zap.String("tenant_id", tenantID))
	return &cfg, nil
}
