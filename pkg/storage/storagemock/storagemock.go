// Package storagemock provides a testify mock of storage.Database.
package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/chargebridge/chargebridge/pkg/storage"
	"github.com/chargebridge/chargebridge/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	args := m.Called(ctx, instanceID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	args := m.Called(ctx, instanceID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertAction(ctx context.Context, instanceID string, action types.Action) error {
	args := m.Called(ctx, instanceID, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, instanceID, start, end)
	if len(args) > 0 {
		if actions, ok := args.Get(0).([]types.Action); ok {
			return actions, args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
