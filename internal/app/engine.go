// Package app hosts the call engine: peer registration, connection
// tracking and the session state machine, behind a single Engine facade.
package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/config"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
)

// Engine assembles the peer manager, connection registry and call
// controller into the surface the transports consume.
type Engine struct {
	Identity domain.Identity
	Peers    *PeerManager
	Registry *Registry
	Calls    *Controller
}

func NewEngine(cfg *config.Config, dialer core.RelayDialer, connect core.Connector, capture core.Capture, bridge core.EventBridge) *Engine {
	identity := domain.Identity(cfg.Identity)
	peers := NewPeerManager(dialer, cfg.RegisterTimeout, cfg.ReconnectDelay)
	reg := NewRegistry(connect, peers)
	ctl := NewController(peers, reg, capture, bridge, identity, cfg.ConnectTimeout)

	peers.SetFrameSink(reg.HandleFrame)
	peers.OnStatus(ctl.NotifyConnectivity)
	peers.OnTeardown(reg.CloseAll)

	return &Engine{
		Identity: identity,
		Peers:    peers,
		Registry: reg,
		Calls:    ctl,
	}
}

// Start launches the controller loop. Registration with the relay is a
// separate, explicit step so the UI can drive and retry it.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Calls.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "app.engine").Str("identity", string(e.Identity)).Msg("engine started")
	return nil
}

// Register connects the local identity to the signaling relay under a
// fresh handle.
func (e *Engine) Register(ctx context.Context) (domain.Handle, error) {
	return e.Peers.Register(ctx, e.Identity)
}

// Close ends the active session, deregisters and stops everything.
func (e *Engine) Close() {
	e.Calls.Close()
	e.Peers.Close()
	log.Info().Str("module", "app.engine").Msg("engine stopped")
}
