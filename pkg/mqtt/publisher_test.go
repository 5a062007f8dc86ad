package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargebridge/chargebridge/pkg/bridge"
	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/types"
)

func TestPublisher(t *testing.T) {
	api := &cloudcharge.Mock{
		LoginFunc: func(ctx context.Context, userID, token string) error { return nil },
		GetChargepointFunc: func(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
			return types.Chargepoint{
				ID: chargepointID,
				AliasMap: map[string]types.Connector{
					"alias-1": {
						ID:           "conn-1",
						Alias:        "alias-1",
						Capabilities: types.Capabilities{EcoMode: true},
					},
				},
			}, nil
		},
		GetOperationalDataFunc: func(ctx context.Context, connectorID string) (types.OperationalData, error) {
			return types.OperationalData{
				ID:               connectorID,
				OCPP:             types.OCPPData{ChargingState: types.ChargingStateIdle},
				PowerConsumption: 1.5,
			}, nil
		},
		GetEcoModeConfigurationFunc: func(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
			return types.EcoModeConfiguration{Active: true}, nil
		},
	}

	b := bridge.New(api, nil, types.Settings{
		Credentials:    types.Credentials{UserID: "u", Token: "t"},
		ChargepointIDs: []string{"cp-1"},
	})
	require.NoError(t, b.Setup(context.Background()))
	require.NoError(t, b.Operational("conn-1").Refresh(context.Background()))
	require.NoError(t, b.EcoMode("conn-1").Refresh(context.Background()))

	p, err := NewPublisher(b, types.MQTTSettings{
		BrokerURL:   "mqtt://localhost:1883",
		TopicPrefix: "test",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	published := make(map[string][]byte)
	p.publish = func(ctx context.Context, topic string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		published[topic] = payload
		return nil
	}

	// wiring publishes the current state immediately
	p.subscribeAll()

	mu.Lock()
	assert.Contains(t, published, "test/cp-1/chargepoint")
	assert.Contains(t, published, "test/conn-1/operational")
	assert.Contains(t, published, "test/conn-1/ecomode")

	var od types.OperationalData
	require.NoError(t, json.Unmarshal(published["test/conn-1/operational"], &od))
	assert.Equal(t, 1.5, od.PowerConsumption)
	published = make(map[string][]byte)
	mu.Unlock()

	// a later refresh republishes through the subscription
	require.NoError(t, b.Operational("conn-1").Refresh(context.Background()))
	mu.Lock()
	assert.Contains(t, published, "test/conn-1/operational")
	mu.Unlock()

	p.Close()

	mu.Lock()
	published = make(map[string][]byte)
	mu.Unlock()
	require.NoError(t, b.Operational("conn-1").Refresh(context.Background()))
	mu.Lock()
	assert.Empty(t, published, "no publishes after Close")
	mu.Unlock()
}
