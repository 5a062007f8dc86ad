package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// Operational data is cheap to poll but only interesting while a session is
// running, so the cadence tightens while the connector reports Charging.
const (
	operationalIdleInterval   = time.Minute
	operationalActiveInterval = 10 * time.Second
)

// OperationalCoordinator polls one connector's live telemetry and adapts its
// cadence to the charging state.
type OperationalCoordinator struct {
	*Coordinator[types.OperationalData]

	connectorID string

	mu         sync.Mutex
	isCharging bool
}

// NewOperational returns a coordinator for the given connector's operational
// data.
func NewOperational(api cloudcharge.API, connectorID string) *OperationalCoordinator {
	o := &OperationalCoordinator{
		connectorID: connectorID,
	}
	o.Coordinator = New("operational:"+connectorID, operationalIdleInterval, func(ctx context.Context) (types.OperationalData, error) {
		od, err := api.GetOperationalData(ctx, connectorID)
		if err != nil {
			return types.OperationalData{}, err
		}
		if od.OCPP.ChargingState != "" {
			o.applyChargingState(ctx, api, od.OCPP.ChargingState)
		}
		return od, nil
	})
	return o
}

// ConnectorID returns the connector this coordinator polls.
func (o *OperationalCoordinator) ConnectorID() string {
	return o.connectorID
}

// IsCharging reports whether the last fetched state was Charging.
func (o *OperationalCoordinator) IsCharging() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isCharging
}

// applyChargingState tightens or relaxes the polling cadence on state
// transitions. Entering Charging also asks the backend once to start pushing
// live meter values; if that call fails we keep the charging flag so it is
// not retried every 10 seconds.
func (o *OperationalCoordinator) applyChargingState(ctx context.Context, api cloudcharge.API, state string) {
	charging := state == types.ChargingStateCharging

	o.mu.Lock()
	was := o.isCharging
	o.isCharging = charging
	o.mu.Unlock()

	if charging == was {
		return
	}

	if charging {
		log.Ctx(ctx).InfoContext(ctx, "charging started, tightening poll cadence",
			slog.String("connectorID", o.connectorID),
		)
		o.SetInterval(operationalActiveInterval)
		if err := api.StartLiveConsumption(ctx, o.connectorID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to start live consumption",
				slog.String("connectorID", o.connectorID),
				slog.Any("error", err),
			)
		}
	} else {
		log.Ctx(ctx).InfoContext(ctx, "charging stopped, relaxing poll cadence",
			slog.String("connectorID", o.connectorID),
		)
		o.SetInterval(operationalIdleInterval)
	}
}
