package provider

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/types"
)

// Registry holds the provider clients built at startup, keyed by the
// provider enum a catalog entry names.
type Registry struct {
	mu      sync.RWMutex
	clients map[types.Provider]Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[types.Provider]Client),
	}
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

func (r *Registry) Get(p types.Provider) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[p]
	return c, ok
}

// Adopt replaces the registered client set with the other registry's, for
// config reloads. Handles bound before the swap keep their old clients for
// in-flight calls.
func (r *Registry) Adopt(from *Registry) {
	from.mu.RLock()
	clients := make(map[types.Provider]Client, len(from.clients))
	for p, c := range from.clients {
		clients[p] = c
	}
	from.mu.RUnlock()

	r.mu.Lock()
	r.clients = clients
	r.mu.Unlock()
}

// BuildFromConfig builds one client per configured provider. A provider that
// fails to initialize is logged and skipped rather than failing startup;
// models on it are simply unbindable until it comes back in config.
func BuildFromConfig(ctx context.Context, provCfg *config.ProvidersConfig, logger *slog.Logger) *Registry {
	registry := NewRegistry()
	for name, cfg := range provCfg.Providers {
		prov, ok := types.ParseProvider(name)
		if !ok {
			logger.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}

		httpClient := &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxConcurrent,
				MaxIdleConnsPerHost: cfg.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}

		switch prov {
		case types.ProviderAnthropic:
			registry.Register(NewAnthropicClient(cfg, httpClient))
		case types.ProviderGoogle:
			registry.Register(NewGoogleClient(cfg, httpClient))
		case types.ProviderBedrock:
			client, err := NewBedrockClient(ctx, cfg)
			if err != nil {
				logger.Warn("bedrock client unavailable, skipping", "error", err)
				continue
			}
			registry.Register(client)
		default:
			registry.Register(NewOpenAICompatClient(cfg, httpClient))
		}
		logger.Info("provider client registered", "provider", prov)
	}
	return registry
}
