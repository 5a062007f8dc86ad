package cloudcharge

import (
	"context"

	"github.com/chargebridge/chargebridge/pkg/types"
)

// API is the subset of the CloudCharge client that the coordinators and the
// bridge depend on. *Client implements it.
type API interface {
	// Login validates the token against the profile endpoint and stores it.
	Login(ctx context.Context, userID, token string) error

	// Logout invalidates the token server-side and forgets it locally.
	Logout(ctx context.Context) error

	// GetChargepointIDs returns the distinct chargepoint IDs the account can
	// access.
	GetChargepointIDs(ctx context.Context) ([]string, error)

	// GetChargepoint fetches a single chargepoint by ID.
	GetChargepoint(ctx context.Context, chargepointID string) (types.Chargepoint, error)

	// GetOperationalData fetches live telemetry for a connector.
	GetOperationalData(ctx context.Context, connectorID string) (types.OperationalData, error)

	// StartLiveConsumption asks the backend to push fresh meter values.
	StartLiveConsumption(ctx context.Context, connectorID string) error

	// GetMaxCurrentAlternatives returns selectable max currents mapped to
	// charging power.
	GetMaxCurrentAlternatives(ctx context.Context, connectorID string) (map[string]float64, error)

	// SetMaxCurrent sets the connector's max current in amps.
	SetMaxCurrent(ctx context.Context, connectorID string, current int) error

	// StartCharging starts a charging session on the aliased connector.
	StartCharging(ctx context.Context, connectorAlias string) error

	// StopCharging stops the charging session on the aliased connector.
	StopCharging(ctx context.Context, connectorAlias string) error

	// ResetConnector restarts the connector hardware.
	ResetConnector(ctx context.Context, connectorID string, typ ResetType) error

	// GetEcoModeConfiguration fetches the connector's full eco mode document.
	GetEcoModeConfiguration(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error)

	// SetEcoModeConfiguration replaces the connector's eco mode document.
	SetEcoModeConfiguration(ctx context.Context, connectorID string, config types.EcoModeConfiguration) error
}

var _ API = (*Client)(nil)
