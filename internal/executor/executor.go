// Package executor implements the per-peripheral worker of spec.md §4.4:
// one dedicated goroutine per peripheral, exclusively owning its plugin
// instance, draining a FIFO request channel and replying on a one-shot
// channel carried inside each request. This is the sole rationale for a
// worker per peripheral rather than a shared pool — the plugin ABI does
// not promise thread safety, so no other goroutine may ever touch a
// plugin's opaque data.
//
// The channel-per-resource, dedicated-goroutine shape mirrors a
// measurement worker pattern: a buffered input channel, a single
// goroutine draining it, and a result delivered back per request — here
// generalized from "trigger/collect a sensor reading" to
// "get/set a plugin attribute".
package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
)

// Kind identifies which operation a Request carries.
type Kind uint8

const (
	KindGetAttribute Kind = iota
	KindGetAttributes
	KindSetAttribute
	KindShutdown
)

// AttributeMeta is the static (never-changing) part of an attribute's
// identity: id, name, declared variant, and whether it is a pre-init
// attribute. Supplied once at executor construction time from the
// factory's initial discovery pass (spec.md §4.3 step 3).
type AttributeMeta struct {
	ID      uint32
	Name    string
	Variant abi.Tag
	PreInit bool
}

// Request is one unit of work for an executor. Reply is a one-shot
// channel the executor sends exactly one Result to; if the caller stops
// listening (a dropped HTTP client), the send is best-effort and the
// reply is discarded, per spec.md §4.4.
type Request struct {
	Kind        Kind
	AttributeID uint32
	Value       abi.Value
	Reply       chan Result
}

// Result is the reply to a Request.
type Result struct {
	Attribute  abi.Attribute
	Attributes []abi.Attribute
	Err        error
}

// Tx is the sending endpoint of an executor's request channel — the
// "transmitter" the glossary names, held by the dispatch layer and never
// removed from its map once an executor starts.
type Tx = chan<- Request

// Executor owns one Plugin instance for its peripheral's entire lifetime.
type Executor struct {
	peripheralID uint32
	plugin       *abi.Plugin
	meta         map[uint32]AttributeMeta
	order        []uint32
	reqQ         chan Request
	log          *zap.Logger
	freed        chan struct{}
}

// New constructs an Executor but does not start its goroutine; call Run
// (typically in its own goroutine) to begin serving requests.
func New(peripheralID uint32, plugin *abi.Plugin, attrs []AttributeMeta, queueSize int, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	meta := make(map[uint32]AttributeMeta, len(attrs))
	order := make([]uint32, 0, len(attrs))
	for _, a := range attrs {
		meta[a.ID] = a
		order = append(order, a.ID)
	}
	return &Executor{
		peripheralID: peripheralID,
		plugin:       plugin,
		meta:         meta,
		order:        order,
		reqQ:         make(chan Request, queueSize),
		log:          log.With(zap.Uint32("peripheral_id", peripheralID)),
		freed:        make(chan struct{}),
	}
}

// Tx returns the sending endpoint for this executor's request channel.
func (e *Executor) Tx() Tx { return e.reqQ }

// Freed is closed once Plugin.free has been called, for shutdown
// synchronization (testable property: "Plugin.free has been called
// exactly once for each created peripheral").
func (e *Executor) Freed() <-chan struct{} { return e.freed }

// Run drains the request channel FIFO until it is closed, a Shutdown
// request arrives, or ctx is done, then calls Plugin.free exactly once
// and returns. This is the only place Free is
// legal to call, per spec.md §4.4.
func (e *Executor) Run(ctx context.Context) {
	defer func() {
		e.plugin.VTable.Free()
		close(e.freed)
		e.log.Debug("executor stopped, plugin freed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.reqQ:
			if !ok {
				return
			}
			if req.Kind == KindShutdown {
				reply(req.Reply, Result{})
				return
			}
			e.handle(req)
		}
	}
}

func (e *Executor) handle(req Request) {
	switch req.Kind {
	case KindGetAttribute:
		reply(req.Reply, e.getAttribute(req.AttributeID))
	case KindGetAttributes:
		reply(req.Reply, e.getAttributes())
	case KindSetAttribute:
		reply(req.Reply, e.setAttribute(req.AttributeID, req.Value))
	default:
		reply(req.Reply, Result{Err: fmt.Errorf("executor: unknown request kind %d", req.Kind)})
	}
}

func (e *Executor) getAttribute(id uint32) Result {
	meta, ok := e.meta[id]
	if !ok {
		return Result{Err: &abi.E{Code: abi.AttributeDoesNotExist, Op: "get_attribute", Msg: "no such attribute"}}
	}
	v, err := e.plugin.VTable.AttributeValue(id)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Attribute: abi.Attribute{ID: id, Name: meta.Name, Value: v, PreInit: meta.PreInit}}
}

// getAttributes returns every attribute in declaration order (spec.md §3:
// attributes are an ordered sequence), not map iteration order.
func (e *Executor) getAttributes() Result {
	attrs := make([]abi.Attribute, 0, len(e.order))
	for _, id := range e.order {
		meta := e.meta[id]
		v, err := e.plugin.VTable.AttributeValue(id)
		if err != nil {
			return Result{Err: err}
		}
		attrs = append(attrs, abi.Attribute{ID: id, Name: meta.Name, Value: v, PreInit: meta.PreInit})
	}
	return Result{Attributes: attrs}
}

// setAttribute validates the supplied variant against the declared one
// before ever calling into the plugin (spec.md §4.4: "fast reject ...
// without entering the plugin"), then re-reads the attribute via
// attribute_value so the caller observes what the hardware actually
// accepted rather than the value it requested.
func (e *Executor) setAttribute(id uint32, v abi.Value) Result {
	meta, ok := e.meta[id]
	if !ok {
		return Result{Err: &abi.E{Code: abi.AttributeDoesNotExist, Op: "set_attribute", Msg: "no such attribute"}}
	}
	if meta.Variant != v.Tag {
		return Result{Err: &abi.E{
			Code: abi.AttributeTypeMismatch,
			Op:   "set_attribute",
			Msg:  fmt.Sprintf("attribute %d is %s, got %s", id, meta.Variant, v.Tag),
		}}
	}
	if err := e.plugin.VTable.SetAttributeValue(id, v); err != nil {
		return Result{Err: err}
	}
	return e.getAttribute(id)
}

// reply sends r on ch without blocking forever if the caller has stopped
// listening; a nil or full-forever channel would otherwise wedge the
// executor on a client that vanished. The channel is always created with
// capacity 1 by callers (see internal/dispatch), so this send never
// actually blocks in practice — the select is defensive.
func reply(ch chan Result, r Result) {
	select {
	case ch <- r:
	default:
	}
}
