// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package platform is the composition root: it loads application
// manifests, starts the broker and its transports, and connects the host.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"portico/internal/admin"
	"portico/internal/broker"
	"portico/internal/host"
	"portico/internal/logger"
	"portico/internal/manifest"
	"portico/internal/transport/websocket"
)

// Platform is a running broker with its transports and host client
type Platform struct {
	config *Config

	apps      *manifest.ApplicationRegistry
	manifests *manifest.Registry
	broker    *broker.Broker
	host      *host.Client
	service   *host.ManifestService
	websocket *websocket.Handler
	server    *http.Server
	addr      net.Addr
	admin     *admin.Server

	state  State
	mutex  sync.Mutex
	logger zerolog.Logger
}

// Start brings the platform up. It returns once every activator signalled
// readiness or the activator timeout elapsed.
func Start(ctx context.Context, config *Config) (*Platform, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	manifests := manifest.NewRegistry()
	p := &Platform{
		config:    config,
		manifests: manifests,
		apps:      manifest.NewApplicationRegistry(manifests),
		logger:    logger.GetLogger("platform"),
	}

	if err := p.start(ctx); err != nil {
		p.shutdown(context.Background())
		return nil, err
	}
	return p, nil
}

func (p *Platform) start(ctx context.Context) error {
	if err := p.enterState(ctx, StateStarting); err != nil {
		return err
	}

	if err := p.registerApplications(ctx); err != nil {
		return err
	}

	p.broker = broker.New(broker.Config{
		HeartbeatInterval:   p.config.GetHeartbeatInterval(),
		PingTimeout:         p.config.GetPingTimeout(),
		StartupQueueSize:    p.config.Broker.StartupQueueSize,
		DedupCacheSize:      p.config.Broker.DedupCacheSize,
		DedupExpiration:     p.config.GetDedupExpiration(),
		MessageInterceptors: p.config.MessageInterceptors,
		IntentInterceptors:  p.config.IntentInterceptors,
	}, p.apps, p.manifests)
	if err := p.broker.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	if err := p.listen(); err != nil {
		return err
	}
	p.broker.SetRunlevel(broker.RunlevelConnect)

	p.host = host.NewClient(p.broker, p.config.Host.SymbolicName)
	if err := p.host.Connect(ctx); err != nil {
		return err
	}
	p.service = host.NewManifestService(p.host, p.broker)
	if err := p.service.Install(ctx); err != nil {
		return fmt.Errorf("failed to install manifest service: %w", err)
	}

	activators, err := p.watchActivators(ctx)
	if err != nil {
		return err
	}

	p.broker.SetRunlevel(broker.RunlevelDispatch)

	if p.config.Admin.Enabled {
		p.admin = admin.NewServer(p.broker, admin.Config{
			Address:     p.config.Admin.Address,
			TokenSecret: p.config.Admin.TokenSecret,
			TokenIssuer: p.config.Admin.TokenIssuer,
		})
		if err := p.admin.Start(); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	activators.wait(ctx, p.config.GetActivatorTimeout())
	if err := ctx.Err(); err != nil {
		return err
	}
	activators.release(ctx)

	if err := p.enterState(ctx, StateStarted); err != nil {
		return err
	}

	p.logger.Info().
		Str("address", p.addr.String()).
		Str("path", p.config.Server.Path).
		Int("applications", len(p.apps.All())).
		Msg("Platform started")
	return nil
}

// registerApplications fetches the manifests concurrently and registers
// the applications. An application whose manifest cannot be loaded is
// skipped.
func (p *Platform) registerApplications(ctx context.Context) error {
	loader := manifest.NewLoader(p.config.GetManifestTimeout())

	configs := []manifest.ApplicationConfig{}
	for _, app := range p.config.Applications {
		if app.Exclude {
			p.logger.Info().Str("app", app.SymbolicName).Msg("Application excluded")
			continue
		}
		configs = append(configs, app)
	}

	loaded := make([]*manifest.Manifest, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, app := range configs {
		g.Go(func() error {
			m, err := loader.Load(gctx, app.ManifestURL)
			if err != nil {
				p.logger.Error().Err(err).Str("app", app.SymbolicName).Msg("Failed to load manifest, skipping application")
				return nil
			}
			loaded[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hostManifest := &manifest.Manifest{Name: p.config.Host.Name}
	if p.config.Host.ManifestURL != "" {
		m, err := loader.Load(ctx, p.config.Host.ManifestURL)
		if err != nil {
			return fmt.Errorf("failed to load host manifest: %w", err)
		}
		hostManifest = m
	}
	if err := p.apps.Register(manifest.ApplicationConfig{
		SymbolicName: p.config.Host.SymbolicName,
		ManifestURL:  p.config.Host.ManifestURL,
	}, hostManifest); err != nil {
		return fmt.Errorf("failed to register host application: %w", err)
	}

	for i, app := range configs {
		if loaded[i] == nil {
			continue
		}
		if err := p.apps.Register(app, loaded[i]); err != nil {
			p.logger.Error().Err(err).Str("app", app.SymbolicName).Msg("Failed to register application")
		}
	}
	return nil
}

func (p *Platform) listen() error {
	p.websocket = websocket.NewHandler(p.broker, websocket.Config{
		WriteWait:     p.config.GetWriteWait(),
		PongWait:      p.config.GetPongWait(),
		ReadLimit:     p.config.Server.ReadLimit,
		SendQueueSize: p.config.Server.SendQueueSize,
	})

	router := mux.NewRouter()
	router.Handle(p.config.Server.Path, p.websocket).Methods("GET")

	ln, err := net.Listen("tcp", p.config.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.Server.Address, err)
	}
	p.addr = ln.Addr()
	p.server = &http.Server{
		Handler:     router,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Client endpoint stopped")
		}
	}()
	return nil
}

// Stop shuts the platform down
func (p *Platform) Stop(ctx context.Context) error {
	if p.State() != StateStarted {
		return nil
	}
	if err := p.enterState(ctx, StateStopping); err != nil {
		p.logger.Error().Err(err).Msg("Stopping hook failed")
	}
	p.shutdown(ctx)
	if err := p.enterState(ctx, StateStopped); err != nil {
		return err
	}
	p.logger.Info().Msg("Platform stopped")
	return nil
}

// shutdown releases whatever start brought up, in reverse order
func (p *Platform) shutdown(ctx context.Context) {
	if p.admin != nil {
		if err := p.admin.Stop(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping admin API")
		}
	}
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping client endpoint")
		}
	}
	if p.websocket != nil {
		p.websocket.Close()
	}
	if p.host != nil {
		p.host.Close()
	}
	if p.broker != nil {
		if err := p.broker.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("Error stopping broker")
		}
	}
	p.mutex.Lock()
	p.state = StateStopped
	p.mutex.Unlock()
}

// Broker returns the message broker
func (p *Platform) Broker() *broker.Broker { return p.broker }

// Host returns the host application's client
func (p *Platform) Host() *host.Client { return p.host }

// Applications returns the application registry
func (p *Platform) Applications() *manifest.ApplicationRegistry { return p.apps }

// Addr returns the address of the client endpoint
func (p *Platform) Addr() net.Addr { return p.addr }

// AdminAddr returns the address of the admin API, or nil when disabled
func (p *Platform) AdminAddr() net.Addr {
	if p.admin == nil {
		return nil
	}
	return p.admin.Addr()
}
