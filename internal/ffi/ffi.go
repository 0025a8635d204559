//go:build linux || darwin

// Package ffi is the only package in this daemon that imports "C". It
// implements the plugin C-ABI contract: dlopen/dlsym symbol resolution,
// the fixed-layout kpal_value/kpal_attribute/kpal_vtable structs, and the
// per-method C trampolines needed to call a resolved function pointer
// from Go — Go cannot invoke a raw C function pointer directly, so a
// tiny C helper per signature is the bridge.
//
// Everything above this package deals only in internal/abi types; a
// *Library here is handed up wrapped behind the abi.Library interface so
// that registry, factory, executor, and their tests never need cgo.
package ffi

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	uint32_t tag;
	union {
		int32_t i;
		uint32_t u;
		double d;
		const char *s;
	} payload;
} kpal_value;

typedef struct {
	uint32_t id;
	const char *name;
	uint32_t variant;
	kpal_value value;
	uint8_t pre_init;
} kpal_attribute;

typedef size_t (*kpal_attribute_count_fn)(void *);
typedef int32_t (*kpal_attribute_ids_fn)(void *, uint32_t *, size_t);
typedef int32_t (*kpal_attribute_name_fn)(void *, uint32_t, char *, size_t);
typedef int32_t (*kpal_attribute_value_fn)(void *, uint32_t, kpal_value *);
typedef int32_t (*kpal_set_attribute_value_fn)(void *, uint32_t, const kpal_value *);
typedef int32_t (*kpal_attribute_pre_init_fn)(void *, uint32_t, uint8_t *);
typedef void (*kpal_free_fn)(void *);
typedef const char *(*kpal_error_message_fn)(int32_t);

typedef struct {
	kpal_attribute_count_fn attribute_count;
	kpal_attribute_ids_fn attribute_ids;
	kpal_attribute_name_fn attribute_name;
	kpal_attribute_value_fn attribute_value;
	kpal_set_attribute_value_fn set_attribute_value;
	kpal_attribute_pre_init_fn attribute_pre_init;
	kpal_free_fn free;
	kpal_error_message_fn error_message;
} kpal_vtable;

typedef struct {
	void *plugin_data;
	kpal_vtable vtable;
} kpal_plugin;

typedef int32_t (*kpal_library_init_fn)(void);
typedef int32_t (*kpal_plugin_new_fn)(const kpal_attribute *, size_t, kpal_plugin *);
typedef uint32_t (*kpal_plugin_abi_version_fn)(void);

static int32_t kpal_trampoline_library_init(kpal_library_init_fn fn) {
	return fn();
}

static uint32_t kpal_trampoline_abi_version(kpal_plugin_abi_version_fn fn) {
	return fn();
}

static int32_t kpal_trampoline_plugin_new(kpal_plugin_new_fn fn, const kpal_attribute *preinit, size_t n, kpal_plugin *out) {
	return fn(preinit, n, out);
}

static size_t kpal_trampoline_attribute_count(kpal_attribute_count_fn fn, void *data) {
	return fn(data);
}

static int32_t kpal_trampoline_attribute_ids(kpal_attribute_ids_fn fn, void *data, uint32_t *out, size_t out_len) {
	return fn(data, out, out_len);
}

static int32_t kpal_trampoline_attribute_name(kpal_attribute_name_fn fn, void *data, uint32_t id, char *out, size_t out_len) {
	return fn(data, id, out, out_len);
}

static int32_t kpal_trampoline_attribute_value(kpal_attribute_value_fn fn, void *data, uint32_t id, kpal_value *out) {
	return fn(data, id, out);
}

static int32_t kpal_trampoline_set_attribute_value(kpal_set_attribute_value_fn fn, void *data, uint32_t id, const kpal_value *value) {
	return fn(data, id, value);
}

static int32_t kpal_trampoline_attribute_pre_init(kpal_attribute_pre_init_fn fn, void *data, uint32_t id, uint8_t *out) {
	return fn(data, id, out);
}

static void kpal_trampoline_free(kpal_free_fn fn, void *data) {
	fn(data);
}

static const char *kpal_trampoline_error_message(kpal_error_message_fn fn, int32_t code) {
	return fn(code);
}

// The payload field is a C union; cgo has no union type on the Go side,
// so field access goes through these tiny accessors rather than reaching
// into an opaque byte array from Go.
static void kpal_set_payload_i(kpal_value *v, int32_t x) { v->payload.i = x; }
static void kpal_set_payload_u(kpal_value *v, uint32_t x) { v->payload.u = x; }
static void kpal_set_payload_d(kpal_value *v, double x) { v->payload.d = x; }
static void kpal_set_payload_s(kpal_value *v, const char *x) { v->payload.s = x; }

static int32_t kpal_get_payload_i(const kpal_value *v) { return v->payload.i; }
static uint32_t kpal_get_payload_u(const kpal_value *v) { return v->payload.u; }
static double kpal_get_payload_d(const kpal_value *v) { return v->payload.d; }
static const char *kpal_get_payload_s(const kpal_value *v) { return v->payload.s; }
*/
import "C"

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/kpal-project/kpal/internal/abi"
)

// ABIVersion is the plugin ABI version this daemon implements. Libraries
// reporting any other kpal_plugin_abi_version are rejected per spec.md
// §4.1.
const ABIVersion uint32 = 1

// attributeNameBufSize bounds the out-buffer the daemon supplies to
// attribute_name. A plugin whose name does not fit returns
// STRING_CONVERSION_ERR per spec.md §4.1.
const attributeNameBufSize = 256

// requiredSymbols lists the C symbols every plugin library must export.
var requiredSymbols = []string{
	"kpal_library_init",
	"kpal_plugin_new",
	"kpal_plugin_abi_version",
}

// Library is the dlopen-backed implementation of abi.Library. Handles are
// never closed: unloading a shared object while any thread's stack holds
// a return address into it is undefined, so this daemon follows the "no
// unload" design of spec.md §9 and simply leaks the handle for the
// process's lifetime.
type Library struct {
	name       string
	path       string
	handle     unsafe.Pointer
	pluginNew  C.kpal_plugin_new_fn
	abiVersion uint32
}

var _ abi.Library = (*Library)(nil)

func (l *Library) Name() string { return l.name }

// Path returns the shared object path this Library was loaded from,
// informational (logging, diagnostics).
func (l *Library) Path() string { return l.path }

// Open dlopens path, resolves the required symbols, verifies the ABI
// version, and calls kpal_library_init exactly once, per spec.md §4.2
// step 2. The returned Library's handle is never closed.
func Open(path string) (*Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	C.dlerror() // clear any pending error
	handle := C.dlopen(cpath, C.RTLD_NOW)
	if handle == nil {
		return nil, fmt.Errorf("ffi: dlopen %s: %s", path, C.GoString(C.dlerror()))
	}

	initSym, err := dlsymPointer(handle, "kpal_library_init")
	if err != nil {
		return nil, err
	}
	newSym, err := dlsymPointer(handle, "kpal_plugin_new")
	if err != nil {
		return nil, err
	}
	versionSym, err := dlsymPointer(handle, "kpal_plugin_abi_version")
	if err != nil {
		return nil, err
	}
	initFn := *(*C.kpal_library_init_fn)(unsafe.Pointer(&initSym))
	newFn := *(*C.kpal_plugin_new_fn)(unsafe.Pointer(&newSym))
	versionFn := *(*C.kpal_plugin_abi_version_fn)(unsafe.Pointer(&versionSym))

	version := uint32(C.kpal_trampoline_abi_version(versionFn))
	if version != ABIVersion {
		return nil, fmt.Errorf("ffi: %s reports abi version %d, daemon implements %d", path, version, ABIVersion)
	}

	if code := int32(C.kpal_trampoline_library_init(initFn)); code != 0 {
		return nil, fmt.Errorf("ffi: %s kpal_library_init failed: code %d", path, code)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	return &Library{
		name:       name,
		path:       path,
		handle:     handle,
		pluginNew:  newFn,
		abiVersion: version,
	}, nil
}

// dlsymPointer resolves name out of handle. Callers cast the result to
// the appropriate C function pointer typedef.
func dlsymPointer(handle unsafe.Pointer, name string) (unsafe.Pointer, error) {
	csym := C.CString(name)
	defer C.free(unsafe.Pointer(csym))
	C.dlerror()
	sym := C.dlsym(handle, csym)
	if sym == nil {
		if errMsg := C.dlerror(); errMsg != nil {
			return nil, fmt.Errorf("ffi: resolve %s: %s", name, C.GoString(errMsg))
		}
	}
	return sym, nil
}

// NewPlugin instantiates a plugin instance, passing the full set of
// pre-init attributes in a single kpal_plugin_new call (spec.md §4.3
// step 2: the plugin is responsible for applying them atomically). ctx is
// honored cooperatively: the cgo call itself cannot be cancelled
// mid-flight (it is a synchronous FFI call), but a context already
// expired before the call is rejected without crossing into native code.
func (l *Library) NewPlugin(ctx context.Context, preinit []abi.PreInitAttribute) (*abi.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cAttrs := make([]C.kpal_attribute, len(preinit))
	var toFree []unsafe.Pointer
	defer func() {
		for _, p := range toFree {
			C.free(p)
		}
	}()

	for i, p := range preinit {
		cv, strPtr, err := toCValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("ffi: pre-init attribute %d: %w", p.ID, err)
		}
		if strPtr != nil {
			toFree = append(toFree, unsafe.Pointer(strPtr))
		}
		// Name is unknown to the daemon before the plugin reports its
		// own attribute set; the struct slot is present for ABI layout
		// but left empty on pre-init calls.
		cAttrs[i] = C.kpal_attribute{
			id:      C.uint32_t(p.ID),
			name:    nil,
			variant: C.uint32_t(p.Value.Tag),
			value:   cv,
		}
	}

	var cPreinit *C.kpal_attribute
	if len(cAttrs) > 0 {
		cPreinit = &cAttrs[0]
	}

	var out C.kpal_plugin
	code := int32(C.kpal_trampoline_plugin_new(l.pluginNew, cPreinit, C.size_t(len(cAttrs)), &out))
	if code != 0 {
		return nil, &abi.E{Code: abi.Code(code), Op: "kpal_plugin_new", Msg: l.errorMessage(abi.Code(code))}
	}

	return &abi.Plugin{VTable: l.buildVTable(out.plugin_data, out.vtable)}, nil
}

// errorMessage builds the generic fallback description naming this
// library and the code. It is used when no plugin error_message is
// available: for kpal_plugin_new failures, where no vtable is bound yet,
// and for a vtable whose error_message is nil or returns NULL.
func (l *Library) errorMessage(code abi.Code) string {
	return fmt.Sprintf("library %s: code %d", l.name, int32(code))
}

// buildVTable erases out's raw function pointers into Go closures. Every
// closure copies any plugin-owned string out of C memory before
// returning, per the FFI safety discipline in spec.md §9(a).
func (l *Library) buildVTable(data unsafe.Pointer, vt C.kpal_vtable) abi.VTable {
	errMsg := func(code int32) string {
		if vt.error_message == nil {
			return l.errorMessage(abi.Code(code))
		}
		cstr := C.kpal_trampoline_error_message(vt.error_message, C.int32_t(code))
		if cstr == nil {
			return l.errorMessage(abi.Code(code))
		}
		return C.GoString(cstr)
	}
	fail := func(op string, code int32) error {
		if code == 0 {
			return nil
		}
		return &abi.E{Code: abi.Code(code), Op: op, Msg: errMsg(code)}
	}

	return abi.VTable{
		AttributeCount: func() (uint32, error) {
			return uint32(C.kpal_trampoline_attribute_count(vt.attribute_count, data)), nil
		},
		AttributeIDs: func() ([]uint32, error) {
			n := uint32(C.kpal_trampoline_attribute_count(vt.attribute_count, data))
			if n == 0 {
				return nil, nil
			}
			buf := make([]C.uint32_t, n)
			code := int32(C.kpal_trampoline_attribute_ids(vt.attribute_ids, data, &buf[0], C.size_t(n)))
			if err := fail("attribute_ids", code); err != nil {
				return nil, err
			}
			ids := make([]uint32, n)
			for i, v := range buf {
				ids[i] = uint32(v)
			}
			return ids, nil
		},
		AttributeName: func(id uint32) (string, error) {
			buf := make([]C.char, attributeNameBufSize)
			code := int32(C.kpal_trampoline_attribute_name(vt.attribute_name, data, C.uint32_t(id), &buf[0], C.size_t(len(buf))))
			if err := fail("attribute_name", code); err != nil {
				return "", err
			}
			return C.GoString(&buf[0]), nil
		},
		AttributeValue: func(id uint32) (abi.Value, error) {
			var cv C.kpal_value
			code := int32(C.kpal_trampoline_attribute_value(vt.attribute_value, data, C.uint32_t(id), &cv))
			if err := fail("attribute_value", code); err != nil {
				return abi.Value{}, err
			}
			return fromCValue(cv)
		},
		SetAttributeValue: func(id uint32, v abi.Value) error {
			cv, strPtr, err := toCValue(v)
			if err != nil {
				return err
			}
			if strPtr != nil {
				defer C.free(unsafe.Pointer(strPtr))
			}
			code := int32(C.kpal_trampoline_set_attribute_value(vt.set_attribute_value, data, C.uint32_t(id), &cv))
			return fail("set_attribute_value", code)
		},
		AttributePreInit: func(id uint32) (bool, error) {
			var out C.uint8_t
			code := int32(C.kpal_trampoline_attribute_pre_init(vt.attribute_pre_init, data, C.uint32_t(id), &out))
			if err := fail("attribute_pre_init", code); err != nil {
				return false, err
			}
			return out != 0, nil
		},
		Free: func() {
			C.kpal_trampoline_free(vt.free, data)
		},
		ErrorMessage: func(code abi.Code) string {
			return errMsg(int32(code))
		},
	}
}

// toCValue converts an abi.Value into its C representation. For strings
// it allocates a C string the caller must free after the call completes
// (the contract: daemon-supplied string pointers are valid only for the
// duration of the call). The returned *C.char is nil for non-string
// variants.
func toCValue(v abi.Value) (C.kpal_value, *C.char, error) {
	var cv C.kpal_value
	cv.tag = C.uint32_t(v.Tag)
	switch v.Tag {
	case abi.TagInt:
		setPayloadInt(&cv, v.Int)
	case abi.TagUint:
		setPayloadUint(&cv, v.Uint)
	case abi.TagDouble:
		setPayloadDouble(&cv, v.Double)
	case abi.TagString:
		cstr := C.CString(v.Str)
		setPayloadString(&cv, cstr)
		return cv, cstr, nil
	default:
		return cv, nil, fmt.Errorf("ffi: unknown value tag %d", v.Tag)
	}
	return cv, nil, nil
}

// fromCValue converts a C value back to abi.Value, copying any string
// payload out of plugin-owned memory immediately.
func fromCValue(cv C.kpal_value) (abi.Value, error) {
	switch abi.Tag(cv.tag) {
	case abi.TagInt:
		return abi.NewInt(int32(C.kpal_get_payload_i(&cv))), nil
	case abi.TagUint:
		return abi.NewUint(uint32(C.kpal_get_payload_u(&cv))), nil
	case abi.TagDouble:
		return abi.NewDouble(float64(C.kpal_get_payload_d(&cv))), nil
	case abi.TagString:
		return abi.NewString(C.GoString(C.kpal_get_payload_s(&cv))), nil
	default:
		return abi.Value{}, fmt.Errorf("ffi: plugin returned unknown value tag %d", cv.tag)
	}
}

func setPayloadInt(cv *C.kpal_value, v int32)      { C.kpal_set_payload_i(cv, C.int32_t(v)) }
func setPayloadUint(cv *C.kpal_value, v uint32)    { C.kpal_set_payload_u(cv, C.uint32_t(v)) }
func setPayloadDouble(cv *C.kpal_value, v float64) { C.kpal_set_payload_d(cv, C.double(v)) }
func setPayloadString(cv *C.kpal_value, s *C.char) { C.kpal_set_payload_s(cv, s) }

// RequiredSymbols lists the C symbols a candidate shared object must
// export to be considered a KPAL plugin. Exported for diagnostics and
// for tests asserting Open's symbol-resolution behavior; resolving them
// still requires a dlopen, which Open performs itself.
func RequiredSymbols() []string {
	out := make([]string, len(requiredSymbols))
	copy(out, requiredSymbols)
	return out
}
