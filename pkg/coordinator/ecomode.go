package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/types"
)

const ecoModeInterval = 15 * time.Minute

// ErrNoConfiguration is returned by ApplyEdit before the first successful
// poll, when there is no confirmed document to base an edit on.
var ErrNoConfiguration = errors.New("eco mode configuration not fetched yet")

// saveRun is one run of the save loop. Every ApplyEdit call that lands while
// the run is active joins it and reads err after done closes.
type saveRun struct {
	done chan struct{}
	err  error
}

// EcoModeCoordinator keeps a connector's eco mode document in sync with
// local intent. The remote resource has no partial update so every write
// resends the whole document; rapid edits are coalesced so only the latest
// merged state is ever transmitted, through at most one in-flight write.
type EcoModeCoordinator struct {
	*Coordinator[types.EcoModeConfiguration]

	api         cloudcharge.API
	connectorID string

	mu      sync.Mutex
	pending *types.EcoModeConfiguration
	dirty   bool
	saving  bool
	run     *saveRun
}

// NewEcoMode returns a coordinator for the given connector's eco mode
// document.
func NewEcoMode(api cloudcharge.API, connectorID string) *EcoModeCoordinator {
	e := &EcoModeCoordinator{
		api:         api,
		connectorID: connectorID,
	}
	e.Coordinator = New("ecomode:"+connectorID, ecoModeInterval, func(ctx context.Context) (types.EcoModeConfiguration, error) {
		return api.GetEcoModeConfiguration(ctx, connectorID)
	})
	return e
}

// ConnectorID returns the connector this coordinator manages.
func (e *EcoModeCoordinator) ConnectorID() string {
	return e.connectorID
}

// View returns the pending overlay if an edit is in flight, otherwise the
// last confirmed document. Readers always see the latest local intent even
// before the server has confirmed it.
func (e *EcoModeCoordinator) View() (types.EcoModeConfiguration, bool) {
	e.mu.Lock()
	if e.pending != nil {
		config := e.pending.Clone()
		e.mu.Unlock()
		return config, true
	}
	e.mu.Unlock()
	return e.Data()
}

// HasPendingEdit reports whether an edit overlay is awaiting confirmation.
func (e *EcoModeCoordinator) HasPendingEdit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// IsSaving reports whether a save run is in flight.
func (e *EcoModeCoordinator) IsSaving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving
}

// ApplyEdit applies mutate to the current view and saves the result. If a
// save is already running the edit merges into it instead of spawning a
// second one. ApplyEdit returns once the save run carrying this edit has
// finished, with its error: a failed write drops all pending local intent
// rather than retrying it silently.
func (e *EcoModeCoordinator) ApplyEdit(ctx context.Context, mutate func(*types.EcoModeConfiguration)) error {
	e.mu.Lock()
	if e.pending == nil {
		confirmed, ok := e.Data()
		if !ok {
			e.mu.Unlock()
			return ErrNoConfiguration
		}
		clone := confirmed.Clone()
		e.pending = &clone
	}
	mutate(e.pending)
	e.dirty = true
	if !e.saving {
		e.saving = true
		e.run = &saveRun{done: make(chan struct{})}
		go e.saveLoop()
	}
	run := e.run
	e.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// saveLoop writes the overlay until no further edits arrive. It re-checks
// the dirty flag after every round-trip so an edit that landed mid-write is
// picked up by the next iteration rather than lost or sent individually.
func (e *EcoModeCoordinator) saveLoop() {
	ctx := context.Background()

	for {
		e.mu.Lock()
		if !e.dirty {
			e.finishLocked(nil)
			return
		}
		e.dirty = false
		snapshot := e.pending.Clone()
		e.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		err := e.api.SetEcoModeConfiguration(callCtx, e.connectorID, snapshot)
		cancel()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save eco mode configuration, dropping pending edits",
				slog.String("connectorID", e.connectorID),
				slog.Any("error", err),
			)
			e.mu.Lock()
			e.finishLocked(err)
			return
		}

		// the write response is not trusted as the new source of truth,
		// re-poll to confirm what the server actually stored
		if err := e.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh eco mode configuration after save",
				slog.String("connectorID", e.connectorID),
				slog.Any("error", err),
			)
		}
	}
}

// finishLocked ends the save run. The caller holds e.mu, which is what keeps
// the loop's last dirty check and this reset atomic: an edit can only take
// the mutex before the check (and be written) or after the reset (and start
// a fresh run), never join a run that has already stopped writing.
func (e *EcoModeCoordinator) finishLocked(saveErr error) {
	e.pending = nil
	e.dirty = false
	e.saving = false
	run := e.run
	e.run = nil
	e.mu.Unlock()

	run.err = saveErr
	close(run.done)

	// the overlay is gone either way; on a clean exit let subscribers know
	// the view switched back to the confirmed document
	if saveErr == nil {
		e.notify()
	}
}
