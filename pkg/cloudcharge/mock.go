package cloudcharge

import (
	"context"
	"errors"

	"github.com/chargebridge/chargebridge/pkg/types"
)

// Mock implements API with overridable functions for tests. Methods without
// an override return an error.
type Mock struct {
	LoginFunc                     func(ctx context.Context, userID, token string) error
	LogoutFunc                    func(ctx context.Context) error
	GetChargepointIDsFunc         func(ctx context.Context) ([]string, error)
	GetChargepointFunc            func(ctx context.Context, chargepointID string) (types.Chargepoint, error)
	GetOperationalDataFunc        func(ctx context.Context, connectorID string) (types.OperationalData, error)
	StartLiveConsumptionFunc      func(ctx context.Context, connectorID string) error
	GetMaxCurrentAlternativesFunc func(ctx context.Context, connectorID string) (map[string]float64, error)
	SetMaxCurrentFunc             func(ctx context.Context, connectorID string, current int) error
	StartChargingFunc             func(ctx context.Context, connectorAlias string) error
	StopChargingFunc              func(ctx context.Context, connectorAlias string) error
	ResetConnectorFunc            func(ctx context.Context, connectorID string, typ ResetType) error
	GetEcoModeConfigurationFunc   func(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error)
	SetEcoModeConfigurationFunc   func(ctx context.Context, connectorID string, config types.EcoModeConfiguration) error
}

var _ API = (*Mock)(nil)

var errMockUnimplemented = errors.New("mock: not implemented")

func (m *Mock) Login(ctx context.Context, userID, token string) error {
	if m.LoginFunc == nil {
		return errMockUnimplemented
	}
	return m.LoginFunc(ctx, userID, token)
}

func (m *Mock) Logout(ctx context.Context) error {
	if m.LogoutFunc == nil {
		return errMockUnimplemented
	}
	return m.LogoutFunc(ctx)
}

func (m *Mock) GetChargepointIDs(ctx context.Context) ([]string, error) {
	if m.GetChargepointIDsFunc == nil {
		return nil, errMockUnimplemented
	}
	return m.GetChargepointIDsFunc(ctx)
}

func (m *Mock) GetChargepoint(ctx context.Context, chargepointID string) (types.Chargepoint, error) {
	if m.GetChargepointFunc == nil {
		return types.Chargepoint{}, errMockUnimplemented
	}
	return m.GetChargepointFunc(ctx, chargepointID)
}

func (m *Mock) GetOperationalData(ctx context.Context, connectorID string) (types.OperationalData, error) {
	if m.GetOperationalDataFunc == nil {
		return types.OperationalData{}, errMockUnimplemented
	}
	return m.GetOperationalDataFunc(ctx, connectorID)
}

func (m *Mock) StartLiveConsumption(ctx context.Context, connectorID string) error {
	if m.StartLiveConsumptionFunc == nil {
		return errMockUnimplemented
	}
	return m.StartLiveConsumptionFunc(ctx, connectorID)
}

func (m *Mock) GetMaxCurrentAlternatives(ctx context.Context, connectorID string) (map[string]float64, error) {
	if m.GetMaxCurrentAlternativesFunc == nil {
		return nil, errMockUnimplemented
	}
	return m.GetMaxCurrentAlternativesFunc(ctx, connectorID)
}

func (m *Mock) SetMaxCurrent(ctx context.Context, connectorID string, current int) error {
	if m.SetMaxCurrentFunc == nil {
		return errMockUnimplemented
	}
	return m.SetMaxCurrentFunc(ctx, connectorID, current)
}

func (m *Mock) StartCharging(ctx context.Context, connectorAlias string) error {
	if m.StartChargingFunc == nil {
		return errMockUnimplemented
	}
	return m.StartChargingFunc(ctx, connectorAlias)
}

func (m *Mock) StopCharging(ctx context.Context, connectorAlias string) error {
	if m.StopChargingFunc == nil {
		return errMockUnimplemented
	}
	return m.StopChargingFunc(ctx, connectorAlias)
}

func (m *Mock) ResetConnector(ctx context.Context, connectorID string, typ ResetType) error {
	if m.ResetConnectorFunc == nil {
		return errMockUnimplemented
	}
	return m.ResetConnectorFunc(ctx, connectorID, typ)
}

func (m *Mock) GetEcoModeConfiguration(ctx context.Context, connectorID string) (types.EcoModeConfiguration, error) {
	if m.GetEcoModeConfigurationFunc == nil {
		return types.EcoModeConfiguration{}, errMockUnimplemented
	}
	return m.GetEcoModeConfigurationFunc(ctx, connectorID)
}

func (m *Mock) SetEcoModeConfiguration(ctx context.Context, connectorID string, config types.EcoModeConfiguration) error {
	if m.SetEcoModeConfigurationFunc == nil {
		return errMockUnimplemented
	}
	return m.SetEcoModeConfigurationFunc(ctx, connectorID, config)
}
