package abi

import "context"

// VTable is the daemon-side, already-erased form of the plugin's C vtable:
// each field is a Go closure that internal/ffi builds around a cgo
// trampoline call into the native function pointer. Nothing above this
// package (factory, executor, registry, httpapi) ever sees a raw pointer
// or crosses the cgo boundary directly — VTable is the seam.
type VTable struct {
	AttributeCount    func() (uint32, error)
	AttributeIDs      func() ([]uint32, error)
	AttributeName     func(id uint32) (string, error)
	AttributeValue    func(id uint32) (Value, error)
	SetAttributeValue func(id uint32, v Value) error
	AttributePreInit  func(id uint32) (bool, error)
	Free              func()
	ErrorMessage      func(code Code) string
}

// Plugin is one instantiated plugin (one per Peripheral), exclusively
// owned by its Executor for its entire lifetime. The zero value is never
// valid; Plugin is only ever produced by a Library's NewPlugin.
type Plugin struct {
	VTable VTable
}

// Library is the daemon-side handle to a loaded plugin shared object:
// enough to mint new Plugin instances. The concrete implementation
// (internal/ffi) holds the dlopen handle and resolved symbols behind
// this interface so that internal/registry, internal/factory, and tests
// never need cgo.
type Library interface {
	// Name is the library's name, derived from the shared object's file
	// stem. The numeric library id is assigned by the registry.
	Name() string
	// NewPlugin instantiates a new plugin instance, passing the full set
	// of pre-init attributes in one call per spec.md §4.1. A ctx that is
	// already done is rejected before the plugin is called; once the
	// plugin call has started, ctx does not interrupt it.
	NewPlugin(ctx context.Context, preinit []PreInitAttribute) (*Plugin, error)
}
