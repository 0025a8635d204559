package abi

import (
	"errors"
	"fmt"
)

// Code is the plugin error-code namespace: a single 32-bit signed
// integer, 0 == success. Widened from the teacher's string Code newtype
// (errcode.Code) to int32 because the wire/ABI namespace spec.md §4.1
// defines is numeric — plugin-defined codes start at 128 and are only
// translatable through that plugin's error_message.
type Code int32

const (
	OK                    Code = 0
	PluginInitErr         Code = 1
	AttributeDoesNotExist Code = 2
	AttributeTypeMismatch Code = 3
	AttributeIsReadOnly   Code = 4
	NumericConversionErr  Code = 5
	StringConversionErr   Code = 6

	// PluginDefinedFloor is the first code a plugin may define for
	// itself; codes below this are daemon-reserved per spec.md §4.1.
	PluginDefinedFloor Code = 128
)

func (c Code) Error() string { return fmt.Sprintf("abi: code %d", int32(c)) }

// E wraps a Code with the operation that produced it, a human-readable
// message (typically the plugin's own error_message string), and an
// optional underlying cause. Mirrors the teacher's errcode.E shape
// (Op/Msg/Err) widened to carry the numeric Code.
type E struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Msg, int32(e.Code))
	}
	return fmt.Sprintf("%s: code %d", e.Op, int32(e.Code))
}

func (e *E) Unwrap() error { return e.Err }

// CodeOf extracts a Code from err, defaulting to Error (a generic
// non-zero fallback) when err does not carry one.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var x *E
	if errors.As(err, &x) {
		return x.Code
	}
	return Error
}

// Error is the generic daemon-side fallback code for errors that did not
// originate from a plugin call (e.g. a closed request channel).
const Error Code = -1
