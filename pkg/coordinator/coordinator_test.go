package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator(t *testing.T) {
	t.Run("RefreshCachesData", func(t *testing.T) {
		c := New("test", time.Minute, func(ctx context.Context) (int, error) {
			return 42, nil
		})

		_, ok := c.Data()
		assert.False(t, ok, "no data before first refresh")
		assert.True(t, c.LastSuccess().IsZero())

		require.NoError(t, c.Refresh(context.Background()))
		v, ok := c.Data()
		require.True(t, ok)
		assert.Equal(t, 42, v)
		assert.False(t, c.LastSuccess().IsZero())
		assert.NoError(t, c.LastError())
	})

	t.Run("FailedRefreshKeepsStaleData", func(t *testing.T) {
		var fail bool
		c := New("test", time.Minute, func(ctx context.Context) (int, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 7, nil
		})

		require.NoError(t, c.Refresh(context.Background()))
		fail = true
		require.Error(t, c.Refresh(context.Background()))

		v, ok := c.Data()
		require.True(t, ok, "stale data kept through failures")
		assert.Equal(t, 7, v)
		assert.Error(t, c.LastError())
	})

	t.Run("SubscribeNotifiesOnSuccessOnly", func(t *testing.T) {
		var fail bool
		c := New("test", time.Minute, func(ctx context.Context) (int, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 1, nil
		})

		var notified int
		unsub := c.Subscribe(func() { notified++ })

		require.NoError(t, c.Refresh(context.Background()))
		assert.Equal(t, 1, notified)

		fail = true
		require.Error(t, c.Refresh(context.Background()))
		assert.Equal(t, 1, notified, "no notify on failed refresh")

		fail = false
		unsub()
		require.NoError(t, c.Refresh(context.Background()))
		assert.Equal(t, 1, notified, "no notify after unsubscribe")
	})

	t.Run("RunStopsOnAuthError", func(t *testing.T) {
		c := New("test", time.Minute, func(ctx context.Context) (int, error) {
			return 0, &cloudcharge.AuthError{}
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- c.Run(context.Background())
		}()

		select {
		case err := <-errCh:
			var authErr *cloudcharge.AuthError
			require.ErrorAs(t, err, &authErr)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop on auth error")
		}
	})

	t.Run("RunRetriesTransientErrors", func(t *testing.T) {
		var calls atomic.Int64
		c := New("test", time.Millisecond, func(ctx context.Context) (int, error) {
			if calls.Add(1) < 3 {
				return 0, errors.New("transient")
			}
			return 9, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- c.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			_, ok := c.Data()
			return ok
		}, 5*time.Second, time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		v, _ := c.Data()
		assert.Equal(t, 9, v)
	})

	t.Run("SetInterval", func(t *testing.T) {
		c := New("test", time.Minute, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		assert.Equal(t, time.Minute, c.Interval())
		c.SetInterval(10 * time.Second)
		assert.Equal(t, 10*time.Second, c.Interval())
	})
}

func TestChargepointCoordinator(t *testing.T) {
	api := &cloudcharge.Mock{
		GetChargepointFunc: func(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
			require.Equal(t, "cp-1", chargepointID)
			return types.Chargepoint{
				ID:          "cp-1",
				DisplayName: "Garage",
				AliasMap: map[string]types.Connector{
					"alias-1": {ID: "conn-1", Alias: "alias-1"},
					"alias-2": {ID: "conn-2", Alias: "alias-2"},
				},
			}, nil
		},
	}

	c := NewChargepoint(api, "cp-1")
	assert.Equal(t, chargepointInterval, c.Interval())
	assert.Nil(t, c.Connectors())

	require.NoError(t, c.Refresh(context.Background()))

	conns := c.Connectors()
	require.Len(t, conns, 2)
	for _, conn := range conns {
		assert.Equal(t, "cp-1", conn.ChargepointID, "owning chargepoint attached to %s", conn.ID)
	}
}

func TestOperationalCoordinator(t *testing.T) {
	t.Run("AdaptiveCadence", func(t *testing.T) {
		states := []string{
			types.ChargingStateIdle,
			types.ChargingStateCharging,
			types.ChargingStateCharging,
			types.ChargingStateSuspendedEV,
		}
		var fetches int
		var liveStarts int

		api := &cloudcharge.Mock{
			GetOperationalDataFunc: func(ctx context.Context, connectorID string) (types.OperationalData, error) {
				state := states[fetches]
				fetches++
				return types.OperationalData{
					ID:   connectorID,
					OCPP: types.OCPPData{ChargingState: state},
				}, nil
			},
			StartLiveConsumptionFunc: func(ctx context.Context, connectorID string) error {
				liveStarts++
				return nil
			},
		}

		o := NewOperational(api, "conn-1")
		assert.Equal(t, operationalIdleInterval, o.Interval())

		require.NoError(t, o.Refresh(context.Background()))
		assert.False(t, o.IsCharging())
		assert.Equal(t, operationalIdleInterval, o.Interval())

		require.NoError(t, o.Refresh(context.Background()))
		assert.True(t, o.IsCharging())
		assert.Equal(t, operationalActiveInterval, o.Interval())

		// staying in Charging must not re-send start live consumption
		require.NoError(t, o.Refresh(context.Background()))
		assert.True(t, o.IsCharging())
		assert.Equal(t, operationalActiveInterval, o.Interval())

		require.NoError(t, o.Refresh(context.Background()))
		assert.False(t, o.IsCharging())
		assert.Equal(t, operationalIdleInterval, o.Interval())

		assert.Equal(t, 1, liveStarts, "exactly one start live consumption per idle to active transition")
	})

	t.Run("FailedFetchLeavesStateAlone", func(t *testing.T) {
		var fail bool
		api := &cloudcharge.Mock{
			GetOperationalDataFunc: func(ctx context.Context, connectorID string) (types.OperationalData, error) {
				if fail {
					return types.OperationalData{}, errors.New("boom")
				}
				return types.OperationalData{
					OCPP: types.OCPPData{ChargingState: types.ChargingStateCharging},
				}, nil
			},
			StartLiveConsumptionFunc: func(ctx context.Context, connectorID string) error {
				return nil
			},
		}

		o := NewOperational(api, "conn-1")
		require.NoError(t, o.Refresh(context.Background()))
		assert.True(t, o.IsCharging())
		assert.Equal(t, operationalActiveInterval, o.Interval())

		fail = true
		require.Error(t, o.Refresh(context.Background()))
		assert.True(t, o.IsCharging(), "failed fetch keeps charging flag")
		assert.Equal(t, operationalActiveInterval, o.Interval(), "failed fetch keeps cadence")
	})

	t.Run("LiveConsumptionFailureIsNotFatal", func(t *testing.T) {
		api := &cloudcharge.Mock{
			GetOperationalDataFunc: func(ctx context.Context, connectorID string) (types.OperationalData, error) {
				return types.OperationalData{
					OCPP: types.OCPPData{ChargingState: types.ChargingStateCharging},
				}, nil
			},
			StartLiveConsumptionFunc: func(ctx context.Context, connectorID string) error {
				return errors.New("boom")
			},
		}

		o := NewOperational(api, "conn-1")
		require.NoError(t, o.Refresh(context.Background()))
		assert.True(t, o.IsCharging())
		assert.Equal(t, operationalActiveInterval, o.Interval())
	})
}
