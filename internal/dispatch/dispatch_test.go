package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/factory"
	"github.com/kpal-project/kpal/internal/registry"
)

type stubLibrary struct{ plugin *abi.Plugin }

func (s *stubLibrary) Name() string { return "stub" }
func (s *stubLibrary) NewPlugin(ctx context.Context, preinit []abi.PreInitAttribute) (*abi.Plugin, error) {
	return s.plugin, nil
}

func newDispatcherWithOnePeripheral(t *testing.T) (*Dispatcher, uint32) {
	t.Helper()
	libs := registry.NewLibraries()
	peripherals := registry.NewPeripherals()
	values := map[uint32]abi.Value{0: abi.NewInt(1)}
	plugin := &abi.Plugin{VTable: abi.VTable{
		AttributeCount:   func() (uint32, error) { return 1, nil },
		AttributeIDs:     func() ([]uint32, error) { return []uint32{0}, nil },
		AttributeName:    func(id uint32) (string, error) { return "count", nil },
		AttributeValue:   func(id uint32) (abi.Value, error) { return values[id], nil },
		AttributePreInit: func(id uint32) (bool, error) { return false, nil },
		SetAttributeValue: func(id uint32, v abi.Value) error {
			values[id] = v
			return nil
		},
		Free: func() {},
	}}
	libID := libs.Insert(&stubLibrary{plugin: plugin}, "stub")
	libs.Freeze()

	d := New(libs, peripherals, zap.NewNop())
	rec, err := d.CreatePeripheral(context.Background(), factory.Request{LibraryID: libID, Name: "counter"})
	require.NoError(t, err)
	return d, rec.ID
}

func TestDispatcherGetAttribute(t *testing.T) {
	d, pid := newDispatcherWithOnePeripheral(t)

	attr, err := d.GetAttribute(context.Background(), pid, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), attr.Value.Int)
}

func TestDispatcherGetAttributeUnknownPeripheral(t *testing.T) {
	d, _ := newDispatcherWithOnePeripheral(t)

	_, err := d.GetAttribute(context.Background(), 999, 0)
	assert.ErrorIs(t, err, registry.ErrPeripheralNotFound)
}

func TestDispatcherGetAttributeUnknownAttributeID(t *testing.T) {
	d, pid := newDispatcherWithOnePeripheral(t)

	_, err := d.GetAttribute(context.Background(), pid, 42)
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}

func TestDispatcherSetAttributeRoundTrip(t *testing.T) {
	d, pid := newDispatcherWithOnePeripheral(t)

	attr, err := d.SetAttribute(context.Background(), pid, 0, abi.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, int32(42), attr.Value.Int)

	again, err := d.GetAttribute(context.Background(), pid, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(42), again.Value.Int)
}

func TestDispatcherShutdownDrainsExecutors(t *testing.T) {
	d, _ := newDispatcherWithOnePeripheral(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}
