package thermapp

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thermcap/internal/testutil"
	"github.com/banshee-data/thermcap/internal/usbdev"
)

func serveDebug(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(method, path, nil))
	return w
}

func TestAttachAdminRoutesBeforeFirstFrame(t *testing.T) {
	s := newTestSession(t, usbdev.NewTestableTransport())
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	w := serveDebug(mux, http.MethodGet, "/debug/thermapp")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Body.String(), "thermapp session: created")
	assert.Contains(t, w.Body.String(), "no frame fetched yet")

	w = serveDebug(mux, http.MethodGet, "/debug/thermapp-frame.png")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	w = serveDebug(mux, http.MethodGet, "/debug/thermapp-stats")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "created", resp["state"])
	assert.NotContains(t, resp, "metadata")

	w = serveDebug(mux, http.MethodPost, "/debug/thermapp-stats")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestAttachAdminRoutesWithFrame(t *testing.T) {
	tr := usbdev.NewTestableTransport()
	l := testLayout()
	tr.AddReadData(buildFrame(l, testMeta, func(i int) int16 { return int16(14000 + i) }))
	s := startTestSession(t, tr)

	_, err := fetchWithin(t, s, 5*time.Second)
	require.NoError(t, err)

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	w := serveDebug(mux, http.MethodGet, "/debug/thermapp")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	body := w.Body.String()
	assert.Contains(t, body, "thermapp session: streaming")
	assert.Contains(t, body, "1179700") // serial 0x00120034
	assert.Contains(t, body, "2.00")
	assert.Contains(t, body, "thermapp-frame.png")

	w = serveDebug(mux, http.MethodGet, "/debug/thermapp-stats")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var resp struct {
		Stats
		Metadata *Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, testMeta, *resp.Metadata)
	assert.Equal(t, uint64(1), resp.Stream.FramesCompleted)
	assert.Equal(t, uint64(1), resp.Exchange.Fetched)

	w = serveDebug(mux, http.MethodGet, "/debug/thermapp-frame.png")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	_, err = png.Decode(bytes.NewReader(w.Body.Bytes()))
	assert.NoError(t, err)
}

func TestAdminRoutesRequireLoopback(t *testing.T) {
	s := newTestSession(t, usbdev.NewTestableTransport())
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/thermapp-stats", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden && w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 403 or 404 for a remote client", w.Code)
	}
}
