package factory

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/executor"
	"github.com/kpal-project/kpal/internal/registry"
)

type stubLibrary struct {
	plugin *abi.Plugin
	err    error
	got    []abi.PreInitAttribute
}

func (s *stubLibrary) Name() string { return "stub" }
func (s *stubLibrary) NewPlugin(ctx context.Context, preinit []abi.PreInitAttribute) (*abi.Plugin, error) {
	s.got = preinit
	if s.err != nil {
		return nil, s.err
	}
	return s.plugin, nil
}

func pluginWithAttributes(ids []uint32, names map[uint32]string, values map[uint32]abi.Value, freed *int) *abi.Plugin {
	return &abi.Plugin{VTable: abi.VTable{
		AttributeCount:   func() (uint32, error) { return uint32(len(ids)), nil },
		AttributeIDs:     func() ([]uint32, error) { return ids, nil },
		AttributeName:    func(id uint32) (string, error) { return names[id], nil },
		AttributeValue:   func(id uint32) (abi.Value, error) { return values[id], nil },
		AttributePreInit: func(id uint32) (bool, error) { return false, nil },
		Free:             func() { *freed++ },
	}}
}

func newTestFactory(t *testing.T) (*Factory, *registry.Libraries, *registry.Peripherals, map[uint32]*executor.Executor) {
	t.Helper()
	libs := registry.NewLibraries()
	peripherals := registry.NewPeripherals()
	execs := map[uint32]*executor.Executor{}
	f := New(libs, peripherals, func(id uint32, e *executor.Executor) { execs[id] = e }, zap.NewNop())
	return f, libs, peripherals, execs
}

func TestFactoryCreateDiscoversAttributes(t *testing.T) {
	f, libs, _, execs := newTestFactory(t)
	freed := 0
	plugin := pluginWithAttributes(
		[]uint32{0, 1},
		map[uint32]string{0: "count", 1: "label"},
		map[uint32]abi.Value{0: abi.NewInt(1), 1: abi.NewString("x")},
		&freed,
	)
	libID := libs.Insert(&stubLibrary{plugin: plugin}, "stub")
	libs.Freeze()

	rec, err := f.Create(context.Background(), Request{LibraryID: libID, Name: "p1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.Attributes) != 2 {
		t.Fatalf("got %d attributes, want 2", len(rec.Attributes))
	}
	if _, ok := execs[rec.ID]; !ok {
		t.Fatal("expected an executor to be registered for the new peripheral")
	}
}

func TestFactoryCreateZeroAttributePlugin(t *testing.T) {
	f, libs, _, _ := newTestFactory(t)
	freed := 0
	plugin := pluginWithAttributes(nil, nil, nil, &freed)
	libID := libs.Insert(&stubLibrary{plugin: plugin}, "stub")
	libs.Freeze()

	rec, err := f.Create(context.Background(), Request{LibraryID: libID, Name: "empty"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.Attributes) != 0 {
		t.Fatalf("got %d attributes, want 0", len(rec.Attributes))
	}
}

func TestFactoryCreateLibraryNotFound(t *testing.T) {
	f, libs, _, _ := newTestFactory(t)
	libs.Freeze()

	if _, err := f.Create(context.Background(), Request{LibraryID: 42, Name: "x"}); err == nil {
		t.Fatal("expected error for unknown library id")
	}
}

func TestFactoryCreateFreesPluginOnDiscoveryFailure(t *testing.T) {
	f, libs, _, _ := newTestFactory(t)
	freed := 0
	plugin := &abi.Plugin{VTable: abi.VTable{
		AttributeCount: func() (uint32, error) { return 0, errors.New("boom") },
		Free:           func() { freed++ },
	}}
	libID := libs.Insert(&stubLibrary{plugin: plugin}, "stub")
	libs.Freeze()

	if _, err := f.Create(context.Background(), Request{LibraryID: libID, Name: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if freed != 1 {
		t.Fatalf("plugin freed %d times, want 1", freed)
	}
}

func TestFactoryCreatePassesPreInitAttributes(t *testing.T) {
	f, libs, _, _ := newTestFactory(t)
	freed := 0
	plugin := pluginWithAttributes(nil, nil, nil, &freed)
	lib := &stubLibrary{plugin: plugin}
	libID := libs.Insert(lib, "stub")
	libs.Freeze()

	preinit := []abi.PreInitAttribute{{ID: 0, Value: abi.NewUint(9)}}
	if _, err := f.Create(context.Background(), Request{LibraryID: libID, Name: "x", PreInit: preinit}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(lib.got) != 1 || lib.got[0].Value.Uint != 9 {
		t.Fatalf("library did not receive pre-init attributes, got %+v", lib.got)
	}
}
