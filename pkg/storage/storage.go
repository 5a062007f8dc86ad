// Package storage persists bridge settings and the action history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargebridge/chargebridge/pkg/types"
)

var ErrInstanceNotFound = errors.New("instance not found")

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error

	// Action history
	InsertAction(ctx context.Context, instanceID string, action types.Action) error
	GetActionHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Action, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, none)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "none":
			p.Database = None{}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// None is a no-op Database for running without persistence.
type None struct{}

var _ Database = None{}

func (None) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	return types.Settings{}, 0, ErrInstanceNotFound
}

func (None) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	return nil
}

func (None) InsertAction(ctx context.Context, instanceID string, action types.Action) error {
	return nil
}

func (None) GetActionHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Action, error) {
	return nil, nil
}

func (None) Close() error { return nil }
