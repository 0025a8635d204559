package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/dispatch"
	"github.com/kpal-project/kpal/internal/factory"
	"github.com/kpal-project/kpal/internal/registry"
)

type stubLibrary struct{ plugin *abi.Plugin }

func (s *stubLibrary) Name() string { return "stub" }
func (s *stubLibrary) NewPlugin(ctx context.Context, preinit []abi.PreInitAttribute) (*abi.Plugin, error) {
	return s.plugin, nil
}

func newTestAPI(t *testing.T) (*API, uint32) {
	t.Helper()
	libs := registry.NewLibraries()
	peripherals := registry.NewPeripherals()
	values := map[uint32]abi.Value{0: abi.NewString("green")}
	plugin := &abi.Plugin{VTable: abi.VTable{
		AttributeCount:   func() (uint32, error) { return 1, nil },
		AttributeIDs:     func() ([]uint32, error) { return []uint32{0}, nil },
		AttributeName:    func(id uint32) (string, error) { return "color", nil },
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

	d := dispatch.New(libs, peripherals, zap.NewNop())
	rec, err := d.CreatePeripheral(context.Background(), factory.Request{LibraryID: libID, Name: "lamp"})
	require.NoError(t, err)

	return New(d, zap.NewNop(), nil), rec.ID
}

func doRequest(t *testing.T, api *API, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPeripherals(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/api/v0/peripherals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []peripheralWire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "lamp", got[0].Name)
}

func TestGetAttributeNotFoundOnUnknownPeripheral(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/api/v0/peripherals/999/attributes/0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAttributeNotFoundOnUnknownAttributeID(t *testing.T) {
	api, pid := newTestAPI(t)
	rec := doRequest(t, api, http.MethodGet, "/api/v0/peripherals/"+strconv.Itoa(int(pid))+"/attributes/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchAttributeTypeMismatchIsBadRequest(t *testing.T) {
	api, pid := newTestAPI(t)
	body := []byte(`{"variant":"int","value":5}`)
	rec := doRequest(t, api, http.MethodPatch, "/api/v0/peripherals/"+strconv.Itoa(int(pid))+"/attributes/0", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchAttributeSuccess(t *testing.T) {
	api, pid := newTestAPI(t)
	body := []byte(`{"variant":"string","value":"blue"}`)
	rec := doRequest(t, api, http.MethodPatch, "/api/v0/peripherals/"+strconv.Itoa(int(pid))+"/attributes/0", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var attr abi.Attribute
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attr))
	assert.Equal(t, "blue", attr.Value.Str)
}

func TestCreatePeripheralMissingName(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api, http.MethodPost, "/api/v0/peripherals", []byte(`{"library_id":0}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
