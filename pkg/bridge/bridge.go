// Package bridge assembles the per-chargepoint coordinators and exposes the
// user-initiated charging actions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/config"
	"github.com/chargebridge/chargebridge/pkg/coordinator"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/storage"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// The provider's backend lags behind start/stop commands, so actions wait
// before refreshing. Starting takes noticeably longer to show up.
var (
	startChargingWait = 5 * time.Second
	stopChargingWait  = time.Second
)

// Bridge owns one coordinator set per chargepoint and connector and routes
// actions to the CloudCharge API.
type Bridge struct {
	api      cloudcharge.API
	db       storage.Database
	settings types.Settings

	mu           sync.Mutex
	chargepoints map[string]*coordinator.ChargepointCoordinator
	operational  map[string]*coordinator.OperationalCoordinator
	ecoMode      map[string]*coordinator.EcoModeCoordinator
	connectors   map[string]types.Connector
}

// New returns an unstarted bridge. db may be nil when persistence is
// disabled.
func New(api cloudcharge.API, db storage.Database, settings types.Settings) *Bridge {
	return &Bridge{
		api:          api,
		db:           db,
		settings:     settings,
		chargepoints: make(map[string]*coordinator.ChargepointCoordinator),
		operational:  make(map[string]*coordinator.OperationalCoordinator),
		ecoMode:      make(map[string]*coordinator.EcoModeCoordinator),
		connectors:   make(map[string]types.Connector),
	}
}

// Configured returns an unstarted bridge whose settings are resolved once
// flags are parsed.
func Configured(api cloudcharge.API, db storage.Database, cfg *config.Config) *Bridge {
	b := New(api, db, types.Settings{})
	lflag.Do(func() {
		b.settings = cfg.Settings()
	})
	return b
}

// Setup validates credentials, discovers chargepoints and builds the
// coordinator set. Each chargepoint is primed so connectors are known before
// Run starts; operational and eco mode coordinators get their first data
// from Run's immediate initial refresh.
func (b *Bridge) Setup(ctx context.Context) error {
	b.syncStoredSettings(ctx)

	if b.settings.Credentials.Token != "" {
		if err := b.api.Login(ctx, b.settings.Credentials.UserID, b.settings.Credentials.Token); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}

	ids := b.settings.ChargepointIDs
	if len(ids) == 0 {
		var err error
		ids, err = b.api.GetChargepointIDs(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover chargepoints: %w", err)
		}
		log.Ctx(ctx).InfoContext(ctx, "discovered chargepoints", slog.Int("count", len(ids)))
	}
	if len(ids) == 0 {
		return fmt.Errorf("no chargepoints available")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		cpc := coordinator.NewChargepoint(b.api, id)
		if err := cpc.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to fetch chargepoint %s: %w", id, err)
		}
		b.chargepoints[id] = cpc

		for _, conn := range cpc.Connectors() {
			b.connectors[conn.ID] = conn
			b.operational[conn.ID] = coordinator.NewOperational(b.api, conn.ID)
			if conn.Capabilities.EcoMode {
				b.ecoMode[conn.ID] = coordinator.NewEcoMode(b.api, conn.ID)
			}
			log.Ctx(ctx).InfoContext(ctx, "registered connector",
				slog.String("chargepointID", id),
				slog.String("connectorID", conn.ID),
				slog.Bool("ecoMode", conn.Capabilities.EcoMode),
			)
		}

		// keep the connector map fresh as chargepoint polls come in
		cpc.Subscribe(func() {
			b.mu.Lock()
			for _, conn := range cpc.Connectors() {
				b.connectors[conn.ID] = conn
			}
			b.mu.Unlock()
		})
	}
	return nil
}

// syncStoredSettings merges persisted settings into the local ones and writes
// the result back, so a bridge restarted with a bare instance ID picks up the
// credentials it stored last run. Persistence failures are not fatal.
func (b *Bridge) syncStoredSettings(ctx context.Context) {
	if b.db == nil || b.settings.InstanceID == "" {
		return
	}

	stored, version, err := b.db.GetSettings(ctx, b.settings.InstanceID)
	switch {
	case errors.Is(err, storage.ErrInstanceNotFound):
		version = 0
	case err != nil:
		log.Ctx(ctx).WarnContext(ctx, "failed to load stored settings", slog.Any("error", err))
		return
	default:
		if b.settings.Credentials.Token == "" {
			b.settings.Credentials = stored.Credentials
		}
		if len(b.settings.ChargepointIDs) == 0 {
			b.settings.ChargepointIDs = stored.ChargepointIDs
		}
		if b.settings.MQTT.BrokerURL == "" {
			b.settings.MQTT = stored.MQTT
		}
	}

	if err := b.db.SetSettings(ctx, b.settings.InstanceID, b.settings, version); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist settings", slog.Any("error", err))
	}
}

// Run starts every coordinator loop and blocks until ctx is canceled or a
// loop stops with a terminal error. An auth failure anywhere shuts the whole
// bridge down since every coordinator shares the same credentials.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type runner interface {
		Run(ctx context.Context) error
	}

	b.mu.Lock()
	var runners []runner
	for _, c := range b.chargepoints {
		runners = append(runners, c)
	}
	for _, c := range b.operational {
		runners = append(runners, c)
	}
	for _, c := range b.ecoMode {
		runners = append(runners, c)
	}
	b.mu.Unlock()

	errCh := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(r)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Chargepoints returns the chargepoint coordinators keyed by ID.
func (b *Bridge) Chargepoints() map[string]*coordinator.ChargepointCoordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*coordinator.ChargepointCoordinator, len(b.chargepoints))
	for id, c := range b.chargepoints {
		out[id] = c
	}
	return out
}

// Operational returns the operational coordinator for a connector, nil if
// unknown.
func (b *Bridge) Operational(connectorID string) *coordinator.OperationalCoordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.operational[connectorID]
}

// OperationalAll returns the operational coordinators keyed by connector ID.
func (b *Bridge) OperationalAll() map[string]*coordinator.OperationalCoordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*coordinator.OperationalCoordinator, len(b.operational))
	for id, c := range b.operational {
		out[id] = c
	}
	return out
}

// EcoMode returns the eco mode coordinator for a connector, nil if unknown
// or unsupported.
func (b *Bridge) EcoMode(connectorID string) *coordinator.EcoModeCoordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ecoMode[connectorID]
}

// EcoModeAll returns the eco mode coordinators keyed by connector ID.
func (b *Bridge) EcoModeAll() map[string]*coordinator.EcoModeCoordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*coordinator.EcoModeCoordinator, len(b.ecoMode))
	for id, c := range b.ecoMode {
		out[id] = c
	}
	return out
}

// Connector returns the cached connector record.
func (b *Bridge) Connector(connectorID string) (types.Connector, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.connectors[connectorID]
	return conn, ok
}

// Connectors returns the cached connector records keyed by ID.
func (b *Bridge) Connectors() map[string]types.Connector {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.Connector, len(b.connectors))
	for id, conn := range b.connectors {
		out[id] = conn
	}
	return out
}

// StartCharging starts a session on the connector, waits for the backend to
// catch up and refreshes the operational data.
func (b *Bridge) StartCharging(ctx context.Context, connectorID string) error {
	conn, ok := b.Connector(connectorID)
	if !ok {
		return fmt.Errorf("unknown connector: %s", connectorID)
	}

	err := b.api.StartCharging(ctx, conn.Alias)
	b.recordAction(ctx, types.Action{
		Timestamp:   time.Now(),
		ConnectorID: connectorID,
		Kind:        types.ActionStartCharging,
		Err:         errString(err),
	})
	if err != nil {
		return err
	}

	b.waitAndRefresh(ctx, connectorID, startChargingWait)
	return nil
}

// StopCharging stops the session on the connector, waits briefly and
// refreshes the operational data.
func (b *Bridge) StopCharging(ctx context.Context, connectorID string) error {
	conn, ok := b.Connector(connectorID)
	if !ok {
		return fmt.Errorf("unknown connector: %s", connectorID)
	}

	err := b.api.StopCharging(ctx, conn.Alias)
	b.recordAction(ctx, types.Action{
		Timestamp:   time.Now(),
		ConnectorID: connectorID,
		Kind:        types.ActionStopCharging,
		Err:         errString(err),
	})
	if err != nil {
		return err
	}

	b.waitAndRefresh(ctx, connectorID, stopChargingWait)
	return nil
}

// SetMaxCurrent sets the connector's max current and refreshes the owning
// chargepoint, which carries the current in its connector records.
func (b *Bridge) SetMaxCurrent(ctx context.Context, connectorID string, current int) error {
	conn, ok := b.Connector(connectorID)
	if !ok {
		return fmt.Errorf("unknown connector: %s", connectorID)
	}

	err := b.api.SetMaxCurrent(ctx, connectorID, current)
	b.recordAction(ctx, types.Action{
		Timestamp:   time.Now(),
		ConnectorID: connectorID,
		Kind:        types.ActionSetMaxCurrent,
		Detail:      fmt.Sprintf("current=%d", current),
		Err:         errString(err),
	})
	if err != nil {
		return err
	}

	if cpc := b.Chargepoints()[conn.ChargepointID]; cpc != nil {
		if err := cpc.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh chargepoint after setting max current",
				slog.String("chargepointID", conn.ChargepointID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// ResetConnector restarts the connector hardware.
func (b *Bridge) ResetConnector(ctx context.Context, connectorID string, typ cloudcharge.ResetType) error {
	if _, ok := b.Connector(connectorID); !ok {
		return fmt.Errorf("unknown connector: %s", connectorID)
	}

	err := b.api.ResetConnector(ctx, connectorID, typ)
	b.recordAction(ctx, types.Action{
		Timestamp:   time.Now(),
		ConnectorID: connectorID,
		Kind:        types.ActionResetConnector,
		Detail:      string(typ),
		Err:         errString(err),
	})
	return err
}

// EditEcoMode applies a partial eco mode edit through the connector's
// coordinator. detail is a short human-readable summary for the action
// history.
func (b *Bridge) EditEcoMode(ctx context.Context, connectorID, detail string, mutate func(*types.EcoModeConfiguration)) error {
	ec := b.EcoMode(connectorID)
	if ec == nil {
		return fmt.Errorf("connector does not support eco mode: %s", connectorID)
	}

	err := ec.ApplyEdit(ctx, mutate)
	b.recordAction(ctx, types.Action{
		Timestamp:   time.Now(),
		ConnectorID: connectorID,
		Kind:        types.ActionEcoModeEdit,
		Detail:      detail,
		Err:         errString(err),
	})
	return err
}

// waitAndRefresh sleeps for the backend to catch up, then refreshes the
// connector's operational coordinator. Cancellation skips the refresh.
func (b *Bridge) waitAndRefresh(ctx context.Context, connectorID string, wait time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	if oc := b.Operational(connectorID); oc != nil {
		if err := oc.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh operational data after action",
				slog.String("connectorID", connectorID),
				slog.Any("error", err),
			)
		}
	}
}

// recordAction persists the action to the history, best effort.
func (b *Bridge) recordAction(ctx context.Context, action types.Action) {
	if b.db == nil || b.settings.InstanceID == "" {
		return
	}
	if err := b.db.InsertAction(ctx, b.settings.InstanceID, action); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record action",
			slog.String("kind", action.Kind),
			slog.Any("error", err),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
