// Package httpapi exposes C6 (internal/dispatch) over the HTTP surface
// described in spec.md §6, behind request-id, access-log and panic-recovery
// middleware. Handlers never touch the registries or executors directly —
// every one of them is a thin JSON-in/JSON-out wrapper around a single
// Dispatcher call.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/dispatch"
	"github.com/kpal-project/kpal/internal/factory"
	"github.com/kpal-project/kpal/internal/registry"
)

// API wires a Dispatcher to the chi router and to the daemon's metrics
// registry.
type API struct {
	dispatch *dispatch.Dispatcher
	log      *zap.Logger

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func New(d *dispatch.Dispatcher, log *zap.Logger, reg prometheus.Registerer) *API {
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{
		dispatch: d,
		log:      log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpald_http_requests_total",
			Help: "Total HTTP requests served by the KPAL API, by route and status class.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kpald_http_request_duration_seconds",
			Help:    "Latency of HTTP requests served by the KPAL API.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(a.requests, a.latency)
	}
	return a
}

// Router builds the full route tree: the versioned API surface plus
// /healthz and /metrics.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v0", func(r chi.Router) {
		r.Get("/libraries", a.handleListLibraries)
		r.Get("/libraries/{libraryID}", a.handleGetLibrary)

		r.Get("/peripherals", a.handleListPeripherals)
		r.Post("/peripherals", a.handleCreatePeripheral)
		r.Get("/peripherals/{peripheralID}", a.handleGetPeripheral)

		r.Get("/peripherals/{peripheralID}/attributes", a.handleListAttributes)
		r.Get("/peripherals/{peripheralID}/attributes/{attributeID}", a.handleGetAttribute)
		r.Patch("/peripherals/{peripheralID}/attributes/{attributeID}", a.handleSetAttribute)
	})

	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := middleware.GetReqID(r.Context())
		began := time.Now()
		next.ServeHTTP(ww, r)
		a.latency.WithLabelValues(routePattern(r)).Observe(time.Since(began).Seconds())
		a.log.Info("http request",
			zap.String("request_id", start),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
		)
		a.requests.WithLabelValues(routePattern(r), strconv.Itoa(ww.Status())).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	recs := a.dispatch.ListLibraries()
	out := make([]libraryWire, len(recs))
	for i, rec := range recs {
		out[i] = toLibraryWire(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "libraryID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, "invalid library id")
		return
	}
	rec, err := a.dispatch.GetLibrary(id)
	if err != nil {
		writeError(w, http.StatusNotFound, abi.Error, "library not found")
		return
	}
	writeJSON(w, http.StatusOK, toLibraryWire(rec))
}

func (a *API) handleListPeripherals(w http.ResponseWriter, r *http.Request) {
	recs := a.dispatch.ListPeripherals()
	out := make([]peripheralWire, len(recs))
	for i, rec := range recs {
		out[i] = toPeripheralWire(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetPeripheral(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "peripheralID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, "invalid peripheral id")
		return
	}
	rec, err := a.dispatch.GetPeripheral(id)
	if err != nil {
		writeError(w, http.StatusNotFound, abi.Error, "peripheral not found")
		return
	}
	writeJSON(w, http.StatusOK, toPeripheralWire(rec))
}

type createPeripheralRequest struct {
	LibraryID uint32                 `json:"library_id"`
	Name      string                 `json:"name"`
	PreInit   []abi.PreInitAttribute `json:"attributes"`
}

func (a *API) handleCreatePeripheral(w http.ResponseWriter, r *http.Request) {
	var body createPeripheralRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, "malformed request body: "+err.Error())
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, abi.Error, "name is required")
		return
	}

	rec, err := a.dispatch.CreatePeripheral(r.Context(), factory.Request{
		LibraryID: body.LibraryID,
		Name:      body.Name,
		PreInit:   body.PreInit,
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeripheralWire(rec))
}

func (a *API) handleListAttributes(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "peripheralID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, "invalid peripheral id")
		return
	}
	attrs, err := a.dispatch.ListAttributes(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attrs)
}

func (a *API) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	pid, aid, err := parsePeripheralAttribute(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, err.Error())
		return
	}
	attr, err := a.dispatch.GetAttribute(r.Context(), pid, aid)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attr)
}

type setAttributeRequest struct {
	Variant string          `json:"variant"`
	Value   json.RawMessage `json:"value"`
}

func (a *API) handleSetAttribute(w http.ResponseWriter, r *http.Request) {
	pid, aid, err := parsePeripheralAttribute(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, err.Error())
		return
	}

	var body setAttributeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, "malformed request body: "+err.Error())
		return
	}
	tag, err := abi.ParseTag(body.Variant)
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, err.Error())
		return
	}
	v, err := abi.DecodeValue(tag, body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, abi.Error, err.Error())
		return
	}

	attr, err := a.dispatch.SetAttribute(r.Context(), pid, aid, v)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attr)
}

func parsePeripheralAttribute(r *http.Request) (peripheralID, attributeID uint32, err error) {
	peripheralID, err = parseID(chi.URLParam(r, "peripheralID"))
	if err != nil {
		return 0, 0, errors.New("invalid peripheral id")
	}
	attributeID, err = parseID(chi.URLParam(r, "attributeID"))
	if err != nil {
		return 0, 0, errors.New("invalid attribute id")
	}
	return peripheralID, attributeID, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// writeDispatchError maps a dispatch-layer error to a status code and a
// client-visible numeric code per spec.md §7: unknown registry ids are
// 404 carrying the generic daemon code, an unknown attribute id is 404
// with ATTRIBUTE_DOES_NOT_EXIST, a plugin-side abi.E surfaces its own
// code (type mismatch and conversion errors to 400, read-only to 403,
// everything else to 500), anything else is a 500 with the generic code.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrLibraryNotFound),
		errors.Is(err, registry.ErrPeripheralNotFound):
		writeError(w, http.StatusNotFound, abi.Error, err.Error())
		return
	case errors.Is(err, dispatch.ErrAttributeNotFound):
		writeError(w, http.StatusNotFound, abi.AttributeDoesNotExist, err.Error())
		return
	}

	var e *abi.E
	if errors.As(err, &e) {
		switch e.Code {
		case abi.AttributeDoesNotExist:
			writeError(w, http.StatusNotFound, e.Code, e.Error())
		case abi.AttributeTypeMismatch, abi.NumericConversionErr, abi.StringConversionErr:
			writeError(w, http.StatusBadRequest, e.Code, e.Error())
		case abi.AttributeIsReadOnly:
			writeError(w, http.StatusForbidden, e.Code, e.Error())
		default:
			writeError(w, http.StatusInternalServerError, e.Code, e.Error())
		}
		return
	}

	writeError(w, http.StatusInternalServerError, abi.CodeOf(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorWire is the client-visible error body spec.md §6/§7 mandate: the
// daemon's or plugin's numeric error code alongside a message.
type errorWire struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code abi.Code, msg string) {
	writeJSON(w, status, errorWire{Code: int32(code), Message: msg})
}

type libraryWire struct {
	ID              uint32 `json:"id"`
	Name            string `json:"name"`
	PluginInitCount uint32 `json:"plugin_init_count"`
}

func toLibraryWire(rec *registry.LibraryRecord) libraryWire {
	return libraryWire{ID: rec.ID, Name: rec.Name, PluginInitCount: rec.PluginInitCount}
}

type attributeMetaWire struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Variant string `json:"variant"`
	PreInit bool   `json:"pre_init"`
}

type peripheralWire struct {
	ID         uint32              `json:"id"`
	Name       string              `json:"name"`
	LibraryID  uint32              `json:"library_id"`
	Attributes []attributeMetaWire `json:"attributes"`
}

func toPeripheralWire(rec *registry.PeripheralRecord) peripheralWire {
	attrs := make([]attributeMetaWire, len(rec.Attributes))
	for i, a := range rec.Attributes {
		attrs[i] = attributeMetaWire{ID: a.ID, Name: a.Name, Variant: a.Variant.String(), PreInit: a.PreInit}
	}
	return peripheralWire{ID: rec.ID, Name: rec.Name, LibraryID: rec.LibraryID, Attributes: attrs}
}
