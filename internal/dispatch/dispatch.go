// Package dispatch implements C6: the single chokepoint between the HTTP
// surface and the daemon's object model. It resolves ids against the
// registries (spec.md §4.6 step 1 — unknown ids are rejected here, before
// any executor is involved), holds the transmitter table peripherals are
// published into once their executor is running, and turns a request
// into a blocking round trip on the right executor's channel.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/executor"
	"github.com/kpal-project/kpal/internal/factory"
	"github.com/kpal-project/kpal/internal/registry"
)

var ErrAttributeNotFound = fmt.Errorf("dispatch: attribute not found")

// Dispatcher is the daemon's request router. It is safe for concurrent
// use by every HTTP handler goroutine.
type Dispatcher struct {
	libraries   *registry.Libraries
	peripherals *registry.Peripherals
	factory     *factory.Factory

	execMu sync.RWMutex
	execs  map[uint32]*executor.Executor

	log *zap.Logger
}

func New(libraries *registry.Libraries, peripherals *registry.Peripherals, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		libraries:   libraries,
		peripherals: peripherals,
		execs:       map[uint32]*executor.Executor{},
		log:         log,
	}
	d.factory = factory.New(libraries, peripherals, d.registerExecutor, log)
	return d
}

func (d *Dispatcher) registerExecutor(peripheralID uint32, exec *executor.Executor) {
	d.execMu.Lock()
	defer d.execMu.Unlock()
	d.execs[peripheralID] = exec
}

func (d *Dispatcher) transmitter(peripheralID uint32) (executor.Tx, bool) {
	d.execMu.RLock()
	defer d.execMu.RUnlock()
	exec, ok := d.execs[peripheralID]
	if !ok {
		return nil, false
	}
	return exec.Tx(), true
}

// Shutdown sends a shutdown request to every running peripheral's
// executor and waits, up to ctx's deadline, for each to report its
// plugin freed. Peripherals are drained concurrently since one plugin's
// slow teardown must not delay another's.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.execMu.RLock()
	execs := make([]*executor.Executor, 0, len(d.execs))
	for _, exec := range d.execs {
		execs = append(execs, exec)
	}
	d.execMu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, exec := range execs {
			wg.Add(1)
			go func(exec *executor.Executor) {
				defer wg.Done()
				reply := make(chan executor.Result, 1)
				exec.Tx() <- executor.Request{Kind: executor.KindShutdown, Reply: reply}
				<-exec.Freed()
			}(exec)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListLibraries returns every loaded library record.
func (d *Dispatcher) ListLibraries() []*registry.LibraryRecord { return d.libraries.List() }

// GetLibrary resolves a single library by id.
func (d *Dispatcher) GetLibrary(id uint32) (*registry.LibraryRecord, error) { return d.libraries.Get(id) }

// ListPeripherals returns every peripheral record in creation order.
func (d *Dispatcher) ListPeripherals() []*registry.PeripheralRecord { return d.peripherals.List() }

// GetPeripheral resolves a single peripheral by id.
func (d *Dispatcher) GetPeripheral(id uint32) (*registry.PeripheralRecord, error) {
	return d.peripherals.Get(id)
}

// CreatePeripheral runs the factory pipeline (C3) and, on success, makes
// the new peripheral routable through this dispatcher.
func (d *Dispatcher) CreatePeripheral(ctx context.Context, req factory.Request) (*registry.PeripheralRecord, error) {
	traceID := uuid.New().String()
	log := d.log.With(zap.String("trace_id", traceID), zap.String("op", "create_peripheral"))
	log.Info("creating peripheral", zap.Uint32("library_id", req.LibraryID), zap.String("name", req.Name))

	rec, err := d.factory.Create(ctx, req)
	if err != nil {
		log.Warn("create_peripheral failed", zap.Error(err))
		return nil, err
	}
	log.Info("peripheral created", zap.Uint32("peripheral_id", rec.ID))
	return rec, nil
}

// ListAttributes returns the current value of every attribute on a
// peripheral, by routing a single KindGetAttributes request to its
// executor.
func (d *Dispatcher) ListAttributes(ctx context.Context, peripheralID uint32) ([]abi.Attribute, error) {
	if _, err := d.peripherals.Get(peripheralID); err != nil {
		return nil, err
	}
	tx, ok := d.transmitter(peripheralID)
	if !ok {
		return nil, fmt.Errorf("dispatch: no transmitter for peripheral %d", peripheralID)
	}
	res, err := d.send(ctx, tx, executor.Request{Kind: executor.KindGetAttributes})
	if err != nil {
		return nil, err
	}
	return res.Attributes, res.Err
}

// GetAttribute resolves attributeID against the peripheral's snapshot
// metadata before ever contacting the executor, per spec.md §4.6 step 1.
func (d *Dispatcher) GetAttribute(ctx context.Context, peripheralID, attributeID uint32) (abi.Attribute, error) {
	rec, err := d.peripherals.Get(peripheralID)
	if err != nil {
		return abi.Attribute{}, err
	}
	if !hasAttribute(rec, attributeID) {
		return abi.Attribute{}, ErrAttributeNotFound
	}
	tx, ok := d.transmitter(peripheralID)
	if !ok {
		return abi.Attribute{}, fmt.Errorf("dispatch: no transmitter for peripheral %d", peripheralID)
	}
	res, err := d.send(ctx, tx, executor.Request{Kind: executor.KindGetAttribute, AttributeID: attributeID})
	if err != nil {
		return abi.Attribute{}, err
	}
	if res.Err != nil {
		return abi.Attribute{}, res.Err
	}
	return res.Attribute, nil
}

// SetAttribute resolves attributeID the same way GetAttribute does; the
// variant fast-reject itself happens inside the executor, which is the
// only goroutine that knows the plugin's declared variant authoritatively.
func (d *Dispatcher) SetAttribute(ctx context.Context, peripheralID, attributeID uint32, v abi.Value) (abi.Attribute, error) {
	rec, err := d.peripherals.Get(peripheralID)
	if err != nil {
		return abi.Attribute{}, err
	}
	if !hasAttribute(rec, attributeID) {
		return abi.Attribute{}, ErrAttributeNotFound
	}
	tx, ok := d.transmitter(peripheralID)
	if !ok {
		return abi.Attribute{}, fmt.Errorf("dispatch: no transmitter for peripheral %d", peripheralID)
	}
	res, err := d.send(ctx, tx, executor.Request{Kind: executor.KindSetAttribute, AttributeID: attributeID, Value: v})
	if err != nil {
		return abi.Attribute{}, err
	}
	if res.Err != nil {
		return abi.Attribute{}, res.Err
	}
	return res.Attribute, nil
}

// send delivers req to tx and blocks for the reply, honoring ctx
// cancellation on both the send and the receive side.
func (d *Dispatcher) send(ctx context.Context, tx executor.Tx, req executor.Request) (executor.Result, error) {
	reply := make(chan executor.Result, 1)
	req.Reply = reply

	select {
	case tx <- req:
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
}

func hasAttribute(rec *registry.PeripheralRecord, id uint32) bool {
	for _, a := range rec.Attributes {
		if a.ID == id {
			return true
		}
	}
	return false
}
