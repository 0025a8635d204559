// Package factory implements the peripheral creation pipeline of spec.md
// §4.3: look up the library, instantiate the plugin with its full
// pre-init attribute set in one call, discover its attribute set, spawn
// an executor to own the new instance, and register it. This is the only
// path by which a Plugin comes into existence inside the daemon.
package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/executor"
	"github.com/kpal-project/kpal/internal/registry"
)

// RegisterExecutor is called once a peripheral's executor is running, so
// the caller (internal/dispatch) can record it for request routing and
// for shutdown draining. It must not block meaningfully — registration is
// expected to be an uncontended map insert.
type RegisterExecutor func(peripheralID uint32, exec *executor.Executor)

// Request is the input to Create: the library to instantiate from, a
// display name, and the pre-init attributes supplied at creation time.
type Request struct {
	LibraryID  uint32
	Name       string
	PreInit    []abi.PreInitAttribute
	QueueSize  int // executor request-channel buffer; 0 picks a default
}

// Factory builds new peripherals against a Libraries registry and
// publishes finished records into a Peripherals registry.
type Factory struct {
	libraries        *registry.Libraries
	peripherals      *registry.Peripherals
	registerExecutor RegisterExecutor
	log              *zap.Logger
}

func New(libraries *registry.Libraries, peripherals *registry.Peripherals, registerExecutor RegisterExecutor, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{libraries: libraries, peripherals: peripherals, registerExecutor: registerExecutor, log: log}
}

// Create runs the full pipeline described in spec.md §4.3. On any failure
// after the plugin has been instantiated, Plugin.free is invoked before
// returning — a partially constructed plugin never leaks past Create.
func (f *Factory) Create(ctx context.Context, req Request) (*registry.PeripheralRecord, error) {
	libRec, err := f.libraries.Get(req.LibraryID)
	if err != nil {
		return nil, &abi.E{Code: abi.Error, Op: "create_peripheral", Msg: "library not found", Err: err}
	}

	plugin, err := libRec.Library.NewPlugin(ctx, req.PreInit)
	if err != nil {
		return nil, fmt.Errorf("factory: %s: kpal_plugin_new: %w", libRec.Name, err)
	}

	attrs, err := f.discoverAttributes(plugin)
	if err != nil {
		plugin.VTable.Free()
		return nil, fmt.Errorf("factory: %s: discovering attributes: %w", libRec.Name, err)
	}

	peripheralID := f.peripherals.Reserve()

	execMeta := make([]executor.AttributeMeta, len(attrs))
	snapshotMeta := make([]registry.AttributeMeta, len(attrs))
	for i, a := range attrs {
		execMeta[i] = executor.AttributeMeta{ID: a.ID, Name: a.Name, Variant: a.Value.Tag, PreInit: a.PreInit}
		snapshotMeta[i] = registry.AttributeMeta{ID: a.ID, Name: a.Name, Variant: a.Value.Tag, PreInit: a.PreInit}
	}

	exec := executor.New(peripheralID, plugin, execMeta, req.QueueSize, f.log)
	go exec.Run(context.Background())

	f.registerExecutor(peripheralID, exec)

	rec := &registry.PeripheralRecord{
		ID:         peripheralID,
		Name:       req.Name,
		LibraryID:  req.LibraryID,
		Attributes: snapshotMeta,
	}
	f.peripherals.Insert(rec)

	f.libraries.IncrementPluginInitCount(libRec.ID)
	f.log.Info("peripheral created",
		zap.Uint32("peripheral_id", peripheralID),
		zap.String("name", req.Name),
		zap.String("library", libRec.Name),
		zap.Int("attribute_count", len(attrs)),
	)

	return rec, nil
}

// discoverAttributes implements spec.md §4.3 step 3: attribute_count,
// then attribute_ids, then per-id name/value/pre_init. A plugin
// reporting zero attributes must not cause a loop over attribute_ids
// conditioned on count — attribute_ids itself is only ever called once,
// unconditionally, after attribute_count (which, for a zero-attribute
// plugin, simply returns no ids and the loop below never iterates).
func (f *Factory) discoverAttributes(plugin *abi.Plugin) ([]abi.Attribute, error) {
	count, err := plugin.VTable.AttributeCount()
	if err != nil {
		return nil, fmt.Errorf("attribute_count: %w", err)
	}

	ids, err := plugin.VTable.AttributeIDs()
	if err != nil {
		return nil, fmt.Errorf("attribute_ids: %w", err)
	}
	if uint32(len(ids)) != count {
		return nil, fmt.Errorf("plugin reported attribute_count=%d but attribute_ids returned %d ids", count, len(ids))
	}

	attrs := make([]abi.Attribute, 0, len(ids))
	for _, id := range ids {
		name, err := plugin.VTable.AttributeName(id)
		if err != nil {
			return nil, fmt.Errorf("attribute_name(%d): %w", id, err)
		}
		value, err := plugin.VTable.AttributeValue(id)
		if err != nil {
			return nil, fmt.Errorf("attribute_value(%d): %w", id, err)
		}
		preInit, err := plugin.VTable.AttributePreInit(id)
		if err != nil {
			return nil, fmt.Errorf("attribute_pre_init(%d): %w", id, err)
		}
		attrs = append(attrs, abi.Attribute{ID: id, Name: name, Value: value, PreInit: preInit})
	}
	return attrs, nil
}
