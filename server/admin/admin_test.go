package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/server/engine"
	"github.com/kabili207/fota-go/server/session"
)

type recordingAnnouncer struct {
	mu    sync.Mutex
	names []string
}

func (a *recordingAnnouncer) PublishLatest(art firmware.Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, art.Name)
	return nil
}

type fixture struct {
	srv      *Server
	catalog  *firmware.DirCatalog
	registry *session.Registry
	counters *engine.Counters
	announce *recordingAnnouncer
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	cat, err := firmware.Open(firmware.Config{Dir: t.TempDir(), Policy: firmware.SelectBySemver})
	require.NoError(t, err)
	f := &fixture{
		catalog:  cat,
		registry: session.NewRegistry(session.Config{}),
		counters: &engine.Counters{},
		announce: &recordingAnnouncer{},
	}
	f.srv, err = New(Config{
		Catalog:       cat,
		Registry:      f.registry,
		Counters:      f.counters,
		Announcer:     f.announce,
		MaxUploadSize: maxUpload,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func TestNew_RequiresCatalog(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestUpload(t *testing.T) {
	f := newFixture(t, 0)
	image := bytes.Repeat([]byte{0xA5, 0x5A}, 300)

	rec := f.do(http.MethodPost, "/firmware?version=1.2.0&name=sensor", image)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var a firmware.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "sensor_v1.2.0.bin", a.Name)
	assert.Equal(t, int64(len(image)), a.Size)
	md5sum, _ := codec.Digest(image, codec.HashMD5)
	assert.Equal(t, md5sum, a.MD5)
	assert.Equal(t, []string{"sensor_v1.2.0.bin"}, f.announce.names)

	// An older upload does not change the latest release.
	rec = f.do(http.MethodPost, "/firmware?version=1.1.0&name=sensor", image)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, f.announce.names, 1)
}

func TestUpload_DefaultName(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(http.MethodPost, "/firmware?version=v2", []byte("payload"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"firmware_v2.0.0.bin"`)
}

func TestUpload_Rejects(t *testing.T) {
	f := newFixture(t, 16)
	tests := []struct {
		name   string
		target string
		body   []byte
		code   int
	}{
		{"missing version", "/firmware", []byte("x"), http.StatusBadRequest},
		{"bad version", "/firmware?version=one", []byte("x"), http.StatusBadRequest},
		{"empty body", "/firmware?version=1.0.0", nil, http.StatusBadRequest},
		{"bad name", "/firmware?version=1.0.0&name=../etc", []byte("x"), http.StatusBadRequest},
		{"too large", "/firmware?version=1.0.0", bytes.Repeat([]byte("x"), 64), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Empty(t, f.catalog.List())
	assert.Empty(t, f.announce.names)
}

func TestListLatestDelete(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(http.MethodGet, "/firmware/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, v := range []string{"1.0.0", "1.10.0", "1.9.0"} {
		rec = f.do(http.MethodPost, "/firmware?name=fw&version="+v, []byte("image "+v))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = f.do(http.MethodGet, "/firmware", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []firmware.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	rec = f.do(http.MethodGet, "/firmware/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest firmware.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "fw_v1.10.0.bin", latest.Name)

	rec = f.do(http.MethodDelete, "/firmware/fw_v1.10.0.bin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/firmware/fw_v1.10.0.bin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodDelete, "/firmware/.objects", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/firmware/latest", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "fw_v1.9.0.bin", latest.Name)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 0)
	a, err := f.catalog.Put("fw", firmware.Version{Major: 1}, strings.NewReader("abc"))
	require.NoError(t, err)
	s, _ := f.registry.CreateOrResume("dev-1", a, 1)
	f.counters.Checks.Add(1)

	rec := f.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, uint64(1), st.Counters.Checks)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, s.ID, st.Sessions[0].ID)
	assert.Equal(t, "dev-1", st.Sessions[0].DeviceID)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, 0)
	a, err := f.catalog.Put("fw", firmware.Version{Major: 1}, strings.NewReader("abc"))
	require.NoError(t, err)
	f.registry.CreateOrResume("dev-1", a, 1)
	f.counters.Downloads.Add(3)
	f.counters.ActiveConnections.Add(2)

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fota_engine_chunks_served_total 3")
	assert.Contains(t, body, "fota_engine_active_connections 2")
	assert.Contains(t, body, `fota_sessions{state="active"} 1`)
	assert.Contains(t, body, `fota_sessions{state="completed"} 0`)
	assert.Contains(t, body, "fota_firmware_artifacts 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(http.MethodPut, "/firmware", []byte("x"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
