// Package engine is the client-side sync engine described in spec.md
// §4.E: given the client store, a transport to the mediator, a user
// identifier, and a device identifier, it drains the outbox, posts a
// push+pull request, applies returned remote changes, and advances the
// per-user watermark — one cycle at a time, reporting remote and per-change
// failures in the cycle's Result rather than as an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/config"
	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/telemetry"
	"github.com/tunetrainer/synccore/internal/triggers"
	"github.com/tunetrainer/synccore/internal/wire"
	"go.opentelemetry.io/otel/attribute"
)

// Transport posts one SyncRequest to the mediator and returns its response.
// The HTTP transport lives in transport.go; tests substitute a fake that
// returns canned responses.
type Transport interface {
	Sync(ctx context.Context, req wire.SyncRequest) (wire.SyncResponse, error)
}

// Result is the outcome of one sync cycle (spec.md §4.E/§7). Transport,
// push and apply failures are reported in Errors; Cycle returns a non-nil
// error only when a step against the local store itself fails (reading the
// watermark or outbox, building the push payload, updating outbox entries,
// re-installing triggers).
type Result struct {
	Success        bool
	ItemsSynced    int
	ItemsFailed    int
	Conflicts      int
	Errors         []error
	Timestamp      time.Time
	AffectedTables []string
}

// WatermarkStore persists the per-user last-sync watermark in client
// storage, namespaced by user id per spec.md §6.
type WatermarkStore interface {
	Get(ctx context.Context, userID string) (string, bool, error)
	Set(ctx context.Context, userID, value string) error
}

// Engine drives one sync cycle at a time per client, per spec.md §5's
// single-in-flight-cycle guard.
type Engine struct {
	store      *localstore.Store
	reg        *registry.Registry
	adapt      *casing.Set
	outboxDB   *outbox.Store
	installer  *triggers.Installer
	transport  Transport
	watermarks WatermarkStore
	cfg        config.Engine

	sf singleflight.Group
}

// New returns an Engine bound to a client-local store, the table registry
// and casing adapters built from it, a transport to the mediator, and a
// watermark store.
func New(store *localstore.Store, reg *registry.Registry, adapt *casing.Set, transport Transport, watermarks WatermarkStore, cfg config.Engine) *Engine {
	return &Engine{
		store:      store,
		reg:        reg,
		adapt:      adapt,
		outboxDB:   outbox.New(store.DB(), reg),
		installer:  triggers.New(store.DB(), reg),
		transport:  transport,
		watermarks: watermarks,
		cfg:        cfg,
	}
}

// InstallTriggers (re)installs the change-capture triggers for every
// registered table against this engine's local store. Callers run this
// once during client setup and again whenever the registry changes.
func (e *Engine) InstallTriggers(ctx context.Context) error {
	return e.installer.InstallAll(ctx)
}

// Cycle runs exactly one sync cycle for userID/deviceID. Overlapping calls
// for the same userID collapse onto the in-flight cycle's result, per
// spec.md §5's "at most one cycle runs per client at a time" rule.
func (e *Engine) Cycle(ctx context.Context, userID, deviceID string) (Result, error) {
	v, err, _ := e.sf.Do(userID, func() (any, error) {
		return e.runCycle(ctx, userID, deviceID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) runCycle(ctx context.Context, userID, deviceID string) (Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "engine.cycle",
		attribute.String("user.id", userID),
		attribute.String("device.id", deviceID),
	)
	defer span.End()

	result := Result{Timestamp: time.Now().UTC()}

	watermark, hasWatermark, err := e.watermarks.Get(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: reading watermark: %w", err)
	}
	initial, err := e.isInitialCycle(ctx, hasWatermark)
	if err != nil {
		return Result{}, err
	}

	pending, err := e.outboxDB.GetPending(ctx, e.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("engine: loading pending outbox entries: %w", err)
	}
	sortEntriesForPush(pending, e.reg)

	changes, represented, err := e.buildPushPayload(ctx, pending)
	if err != nil {
		return Result{}, err
	}

	req := wire.SyncRequest{
		Changes:  changes,
		PageSize: e.cfg.BatchSize,
	}
	if !initial {
		req.LastSyncAt = watermark
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
	defer cancel()

	resp, err := e.transport.Sync(reqCtx, req)
	if err != nil {
		result.Errors = append(result.Errors, classifyTransportErr(err))
		result.Success = false
		return result, nil
	}

	// Only the first response carries PushResults (subsequent pull pages
	// repeat the request with no changes to push), so this runs exactly
	// once per cycle, per entry actually represented in the push.
	if err := e.processPushResults(ctx, represented, resp.PushResults, &result); err != nil {
		return Result{}, err
	}

	affected := map[string]bool{}
	for {
		applied, failed, err := e.applyPage(ctx, resp.Changes, affected)
		if err != nil {
			return Result{}, err
		}
		result.ItemsSynced += applied
		result.ItemsFailed += failed

		if resp.NextCursor == "" {
			break
		}
		nextReq := wire.SyncRequest{
			PullCursor:    resp.NextCursor,
			SyncStartedAt: resp.SyncStartedAt,
			PageSize:      e.cfg.BatchSize,
		}
		if !initial {
			nextReq.LastSyncAt = watermark
		}
		resp, err = e.transport.Sync(reqCtx, nextReq)
		if err != nil {
			result.Errors = append(result.Errors, classifyTransportErr(err))
			break
		}
	}

	if err := e.finalize(ctx, userID, resp, initial); err != nil {
		result.Errors = append(result.Errors, err)
	}

	for t := range affected {
		result.AffectedTables = append(result.AffectedTables, t)
	}
	result.Success = len(result.Errors) == 0 || allBenign(result.Errors)
	return result, nil
}

// isInitialCycle implements spec.md §4.E step 1: no watermark, or an
// observably empty local store, means initial; otherwise incremental. An
// empty store always wins even when a watermark survived (a reinstalled
// client with a stale watermark must not skip the full initial pull).
func (e *Engine) isInitialCycle(ctx context.Context, hasWatermark bool) (bool, error) {
	tables := make([]string, 0)
	for _, t := range e.reg.Tables() {
		tables = append(tables, t.Name)
	}
	empty, err := e.store.Empty(ctx, tables)
	if err != nil {
		return false, fmt.Errorf("engine: checking local store emptiness: %w", err)
	}
	if empty {
		return true, nil
	}
	return !hasWatermark, nil
}

// classifyTransportErr distinguishes a 401 from the mediator (AuthError)
// from every other transport failure (TransportError), per spec.md §7.
func classifyTransportErr(err error) error {
	var af *authFailure
	if errors.As(err, &af) {
		return &AuthError{Cause: err}
	}
	return &TransportError{Cause: err}
}

func allBenign(errs []error) bool {
	for _, err := range errs {
		switch err.(type) {
		case *TransportError, *AuthError:
			return false
		}
	}
	return true
}
