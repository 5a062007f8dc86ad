package coordinator

import (
	"context"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/types"
)

// chargepointInterval is fixed. Chargepoint metadata changes rarely and the
// interesting telemetry lives on the operational coordinator.
const chargepointInterval = 15 * time.Minute

// ChargepointCoordinator polls one chargepoint's full record including its
// connectors.
type ChargepointCoordinator struct {
	*Coordinator[types.Chargepoint]

	chargepointID string
}

// NewChargepoint returns a coordinator for the given chargepoint.
func NewChargepoint(api cloudcharge.API, chargepointID string) *ChargepointCoordinator {
	c := &ChargepointCoordinator{
		chargepointID: chargepointID,
	}
	c.Coordinator = New("chargepoint:"+chargepointID, chargepointInterval, func(ctx context.Context) (types.Chargepoint, error) {
		cp, err := api.GetChargepoint(ctx, chargepointID)
		if err != nil {
			return types.Chargepoint{}, err
		}
		// the API omits the parent ID on connector sub-records
		for alias, conn := range cp.AliasMap {
			conn.ChargepointID = cp.ID
			cp.AliasMap[alias] = conn
		}
		return cp, nil
	})
	return c
}

// ChargepointID returns the ID this coordinator polls.
func (c *ChargepointCoordinator) ChargepointID() string {
	return c.chargepointID
}

// Connectors returns the cached connectors, nil before the first successful
// refresh.
func (c *ChargepointCoordinator) Connectors() []types.Connector {
	cp, ok := c.Data()
	if !ok {
		return nil
	}
	conns := make([]types.Connector, 0, len(cp.AliasMap))
	for _, conn := range cp.AliasMap {
		conns = append(conns, conn)
	}
	return conns
}
