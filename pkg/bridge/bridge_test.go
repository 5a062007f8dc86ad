package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/storage"
	"github.com/chargebridge/chargebridge/pkg/storage/storagemock"
	"github.com/chargebridge/chargebridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testAPI() *cloudcharge.Mock {
	return &cloudcharge.Mock{
		LoginFunc: func(ctx context.Context, userID, token string) error {
			return nil
		},
		GetChargepointIDsFunc: func(ctx context.Context) ([]string, error) {
			return []string{"cp-1"}, nil
		},
		GetChargepointFunc: func(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
			return types.Chargepoint{
				ID: chargepointID,
				AliasMap: map[string]types.Connector{
					"alias-1": {
						ID:           "conn-1",
						Alias:        "alias-1",
						Capabilities: types.Capabilities{EcoMode: true},
					},
					"alias-2": {
						ID:    "conn-2",
						Alias: "alias-2",
					},
				},
			}, nil
		},
	}
}

func testSettings() types.Settings {
	return types.Settings{
		Credentials: types.Credentials{UserID: "user-1", Token: "tok"},
		InstanceID:  "inst-1",
	}
}

func TestBridgeSetup(t *testing.T) {
	t.Run("DiscoversChargepoints", func(t *testing.T) {
		b := New(testAPI(), nil, testSettings())
		require.NoError(t, b.Setup(context.Background()))

		assert.Len(t, b.Chargepoints(), 1)
		assert.Len(t, b.Connectors(), 2)
		assert.NotNil(t, b.Operational("conn-1"))
		assert.NotNil(t, b.Operational("conn-2"))
		assert.NotNil(t, b.EcoMode("conn-1"), "eco mode capability gets a coordinator")
		assert.Nil(t, b.EcoMode("conn-2"), "no eco mode coordinator without the capability")
	})

	t.Run("ConfiguredChargepointsSkipDiscovery", func(t *testing.T) {
		api := testAPI()
		api.GetChargepointIDsFunc = func(ctx context.Context) ([]string, error) {
			t.Error("discovery should be skipped")
			return nil, nil
		}

		settings := testSettings()
		settings.ChargepointIDs = []string{"cp-9"}

		b := New(api, nil, settings)
		require.NoError(t, b.Setup(context.Background()))
		assert.Contains(t, b.Chargepoints(), "cp-9")
	})

	t.Run("LoginFailure", func(t *testing.T) {
		api := testAPI()
		api.LoginFunc = func(ctx context.Context, userID, token string) error {
			return &cloudcharge.AuthError{}
		}

		b := New(api, nil, testSettings())
		err := b.Setup(context.Background())
		var authErr *cloudcharge.AuthError
		require.ErrorAs(t, err, &authErr)
	})
}

func TestBridgeActions(t *testing.T) {
	// actions refresh quickly in tests
	origStart, origStop := startChargingWait, stopChargingWait
	startChargingWait, stopChargingWait = time.Millisecond, time.Millisecond
	t.Cleanup(func() { startChargingWait, stopChargingWait = origStart, origStop })

	setup := func(t *testing.T, api *cloudcharge.Mock, db *storagemock.MockDatabase) *Bridge {
		b := New(api, nil, testSettings())
		if db != nil {
			db.On("GetSettings", mock.Anything, "inst-1").Return(types.Settings{}, 0, storage.ErrInstanceNotFound)
			db.On("SetSettings", mock.Anything, "inst-1", mock.Anything, 0).Return(nil)
			b = New(api, db, testSettings())
		}
		require.NoError(t, b.Setup(context.Background()))
		return b
	}

	t.Run("StartChargingUsesAliasAndRefreshes", func(t *testing.T) {
		api := testAPI()
		var startedAlias string
		api.StartChargingFunc = func(ctx context.Context, connectorAlias string) error {
			startedAlias = connectorAlias
			return nil
		}
		var refreshed bool
		api.GetOperationalDataFunc = func(ctx context.Context, connectorID string) (types.OperationalData, error) {
			refreshed = true
			return types.OperationalData{ID: connectorID}, nil
		}

		db := &storagemock.MockDatabase{}
		db.On("InsertAction", mock.Anything, "inst-1", mock.MatchedBy(func(a types.Action) bool {
			return a.Kind == types.ActionStartCharging && a.ConnectorID == "conn-1" && a.Err == ""
		})).Return(nil)

		b := setup(t, api, db)
		require.NoError(t, b.StartCharging(context.Background(), "conn-1"))

		assert.Equal(t, "alias-1", startedAlias)
		assert.True(t, refreshed, "operational data refreshed after the wait")
		db.AssertExpectations(t)
	})

	t.Run("StopCharging", func(t *testing.T) {
		api := testAPI()
		var stoppedAlias string
		api.StopChargingFunc = func(ctx context.Context, connectorAlias string) error {
			stoppedAlias = connectorAlias
			return nil
		}
		api.GetOperationalDataFunc = func(ctx context.Context, connectorID string) (types.OperationalData, error) {
			return types.OperationalData{ID: connectorID}, nil
		}

		b := setup(t, api, nil)
		require.NoError(t, b.StopCharging(context.Background(), "conn-2"))
		assert.Equal(t, "alias-2", stoppedAlias)
	})

	t.Run("ActionFailureIsRecordedAndReturned", func(t *testing.T) {
		api := testAPI()
		boom := &cloudcharge.ForbiddenError{Message: "Invalid login credentials.", Reason: cloudcharge.ForbiddenInvalidLoginCredentials}
		api.StartChargingFunc = func(ctx context.Context, connectorAlias string) error {
			return boom
		}

		db := &storagemock.MockDatabase{}
		db.On("InsertAction", mock.Anything, "inst-1", mock.MatchedBy(func(a types.Action) bool {
			return a.Kind == types.ActionStartCharging && a.Err != ""
		})).Return(nil)

		b := setup(t, api, db)
		err := b.StartCharging(context.Background(), "conn-1")
		var forbidden *cloudcharge.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
		assert.Equal(t, cloudcharge.ForbiddenInvalidLoginCredentials, forbidden.Reason)
		db.AssertExpectations(t)
	})

	t.Run("SetMaxCurrentRefreshesChargepoint", func(t *testing.T) {
		api := testAPI()
		var setCurrent int
		api.SetMaxCurrentFunc = func(ctx context.Context, connectorID string, current int) error {
			setCurrent = current
			return nil
		}

		b := setup(t, api, nil)
		before := b.Chargepoints()["cp-1"].LastSuccess()

		require.NoError(t, b.SetMaxCurrent(context.Background(), "conn-1", 16))
		assert.Equal(t, 16, setCurrent)
		assert.True(t, b.Chargepoints()["cp-1"].LastSuccess().After(before) ||
			b.Chargepoints()["cp-1"].LastSuccess().Equal(before))
	})

	t.Run("ResetConnector", func(t *testing.T) {
		api := testAPI()
		var resetType cloudcharge.ResetType
		api.ResetConnectorFunc = func(ctx context.Context, connectorID string, typ cloudcharge.ResetType) error {
			resetType = typ
			return nil
		}

		b := setup(t, api, nil)
		require.NoError(t, b.ResetConnector(context.Background(), "conn-1", cloudcharge.ResetHard))
		assert.Equal(t, cloudcharge.ResetHard, resetType)
	})

	t.Run("UnknownConnector", func(t *testing.T) {
		b := setup(t, testAPI(), nil)
		assert.Error(t, b.StartCharging(context.Background(), "nope"))
	})
}

func TestBridgeStoredSettings(t *testing.T) {
	t.Run("StoredCredentialsFillGaps", func(t *testing.T) {
		api := testAPI()
		var loggedInAs string
		api.LoginFunc = func(ctx context.Context, userID, token string) error {
			loggedInAs = userID
			return nil
		}

		stored := types.Settings{
			Credentials:    types.Credentials{UserID: "stored-user", Token: "stored-token"},
			ChargepointIDs: []string{"cp-1"},
			InstanceID:     "inst-1",
		}
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "inst-1").Return(stored, 3, nil)
		db.On("SetSettings", mock.Anything, "inst-1", mock.MatchedBy(func(s types.Settings) bool {
			return s.Credentials.Token == "stored-token" && len(s.ChargepointIDs) == 1
		}), 3).Return(nil)

		b := New(api, db, types.Settings{InstanceID: "inst-1"})
		require.NoError(t, b.Setup(context.Background()))

		assert.Equal(t, "stored-user", loggedInAs)
		assert.Contains(t, b.Chargepoints(), "cp-1")
		db.AssertExpectations(t)
	})

	t.Run("FirstRunPersists", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "inst-1").Return(types.Settings{}, 0, storage.ErrInstanceNotFound)
		db.On("SetSettings", mock.Anything, "inst-1", mock.Anything, 0).Return(nil)

		b := New(testAPI(), db, testSettings())
		require.NoError(t, b.Setup(context.Background()))
		db.AssertExpectations(t)
	})

	t.Run("LoadFailureIsNotFatal", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "inst-1").Return(types.Settings{}, 0, errors.New("backend down"))

		b := New(testAPI(), db, testSettings())
		require.NoError(t, b.Setup(context.Background()))
	})
}

func TestBridgeRun(t *testing.T) {
	t.Run("AuthErrorStopsEverything", func(t *testing.T) {
		api := testAPI()
		api.GetOperationalDataFunc = func(ctx context.Context, connectorID string) (types.OperationalData, error) {
			return types.OperationalData{}, &cloudcharge.AuthError{}
		}
		api.GetEcoModeConfigurationFunc = func(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
			return types.EcoModeConfiguration{}, errors.New("transient")
		}

		b := New(api, nil, testSettings())
		require.NoError(t, b.Setup(context.Background()))

		done := make(chan error, 1)
		go func() {
			done <- b.Run(context.Background())
		}()

		select {
		case err := <-done:
			var authErr *cloudcharge.AuthError
			require.ErrorAs(t, err, &authErr)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop on auth error")
		}
	})

	t.Run("CancelStopsCleanly", func(t *testing.T) {
		api := testAPI()
		api.GetOperationalDataFunc = func(ctx context.Context, connectorID string) (types.OperationalData, error) {
			return types.OperationalData{ID: connectorID}, nil
		}
		api.GetEcoModeConfigurationFunc = func(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
			return types.EcoModeConfiguration{}, nil
		}

		b := New(api, nil, testSettings())
		require.NoError(t, b.Setup(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- b.Run(ctx)
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()
		require.NoError(t, <-done)
	})
}

func TestDiagnostics(t *testing.T) {
	api := testAPI()
	api.GetOperationalDataFunc = func(ctx context.Context, connectorID string) (types.OperationalData, error) {
		return types.OperationalData{ID: connectorID}, nil
	}
	api.GetEcoModeConfigurationFunc = func(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
		return types.EcoModeConfiguration{Active: true}, nil
	}
	api.GetMaxCurrentAlternativesFunc = func(ctx context.Context, connectorID string) (map[string]float64, error) {
		return map[string]float64{"16": 11.0}, nil
	}
	api.GetChargepointFunc = func(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
		return types.Chargepoint{
			ID:          chargepointID,
			DisplayName: "Garage",
			Location:    "Some Street 1",
			AliasMap: map[string]types.Connector{
				"alias-1": {ID: "conn-1", Alias: "alias-1", SerialNumber: "SN123"},
			},
		}, nil
	}

	b := New(api, nil, testSettings())
	require.NoError(t, b.Setup(context.Background()))

	diag := b.Diagnostics(context.Background())
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	require.NoError(t, enc.Encode(diag))
	out := buf.String()

	assert.NotContains(t, out, "cp-1", "chargepoint ids anonymized")
	assert.NotContains(t, out, "conn-1", "connector ids anonymized")
	assert.NotContains(t, out, "alias-1", "aliases anonymized")
	assert.NotContains(t, out, "Some Street 1", "location redacted")
	assert.NotContains(t, out, "SN123", "serial number redacted")
	assert.NotContains(t, out, "Garage", "display name redacted")
	assert.Contains(t, out, "<anonymized_id_1>")
	assert.Contains(t, out, redactedPlaceholder)
}

func TestIDAnonymizer(t *testing.T) {
	a := NewIDAnonymizer()

	assert.Equal(t, "<connector_1>", a.Anonymize("conn-abc", "connector"))
	assert.Equal(t, "<connector_1>", a.Anonymize("conn-abc", "connector"), "stable mapping")
	assert.Equal(t, "<connector_2>", a.Anonymize("conn-def", "connector"))
	assert.Equal(t, "<chargepoint_1>", a.Anonymize("conn-abc", "chargepoint"), "counters are per type")
	assert.Equal(t, "", a.Anonymize("", "connector"))
	assert.Equal(t, "", a.Anonymize("conn-abc", ""))

	a.Clear()
	assert.Equal(t, "<connector_1>", a.Anonymize("conn-xyz", "connector"))
}
