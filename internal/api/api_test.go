package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/bridge"
	"github.com/RenatoCabral2022/tsbridge/internal/config"
	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
	"github.com/RenatoCabral2022/tsbridge/internal/testutil"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	tu := testutil.NewTuner(t)
	b, err := bridge.New(&config.Config{
		BufferSize:      1 << 20,
		MinTransferSize: 188,
		MaxRecordings:   1,
		UploadPort:      7818,
		OfflineTimeout:  500 * time.Millisecond,
		File: &config.File{
			Devices: []config.Device{{
				Name:      "tuner-1",
				StreamURL: tu.URL() + "/auto/v%c%",
				Consumer:  consumer.VariantRaw,
			}},
			Lineup: []config.Channel{{Number: "5"}, {Number: "6"}},
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(b.Shutdown)

	h := NewHandlers(b, zap.NewNop())
	h.statusInterval = 20 * time.Millisecond
	srv := httptest.NewServer(NewRouter(h, apiKey))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["devices"] != float64(1) {
		t.Errorf("unexpected health %v", body)
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/metrics", nil)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "tsbridge_active_recordings") {
		t.Errorf("expected tsbridge metrics, got %d", resp.StatusCode)
	}
}

func TestRecordingsAPI(t *testing.T) {
	srv := newTestServer(t, "")
	dir := t.TempDir()

	resp := do(t, http.MethodPost, srv.URL+"/v1/recordings", bridge.RecordingRequest{
		Channel:  "5",
		Filename: filepath.Join(dir, "a.ts"),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	rec := decode[bridge.RecordingStatus](t, resp)
	if rec.ID == "" || rec.Channel != "5" || rec.Device != "tuner-1" {
		t.Fatalf("unexpected recording %+v", rec)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/recordings", bridge.RecordingRequest{Channel: "5"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at capacity, got %d", resp.StatusCode)
	}

	second := filepath.Join(dir, "b.ts")
	resp = do(t, http.MethodPost, srv.URL+"/v1/recordings/"+rec.ID+"/switch", bridge.SwitchRequest{Filename: second})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from switch, got %d", resp.StatusCode)
	}
	if got := decode[bridge.RecordingStatus](t, resp); got.Filename != second {
		t.Errorf("expected switched filename, got %q", got.Filename)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/recordings", nil)
	if list := decode[[]bridge.RecordingStatus](t, resp); len(list) != 1 {
		t.Errorf("expected one recording, got %d", len(list))
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/recordings/"+rec.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/v1/recordings/"+rec.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, srv.URL+"/v1/recordings/"+rec.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRecordingsAPIBadRequests(t *testing.T) {
	srv := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/recordings", strings.NewReader("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/recordings", bridge.RecordingRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without channel, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); !strings.Contains(body.Error, "channel") {
		t.Errorf("expected error naming the channel, got %q", body.Error)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/recordings/nope/switch", bridge.SwitchRequest{Filename: "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestScansAPI(t *testing.T) {
	srv := newTestServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/v1/scans", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	st := decode[bridge.ScanStatus](t, resp)

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp = do(t, http.MethodGet, srv.URL+"/v1/scans/"+st.ID, nil)
		st = decode[bridge.ScanStatus](t, resp)
		if st.Progress.Complete || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !st.Progress.Complete || len(st.Channels) != 2 {
		t.Fatalf("expected complete scan of the lineup, got %+v", st)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/scans", nil)
	if list := decode[[]bridge.ScanStatus](t, resp); len(list) != 1 {
		t.Errorf("expected one scan, got %d", len(list))
	}
	resp = do(t, http.MethodDelete, srv.URL+"/v1/scans/"+st.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/scans/"+st.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp := do(t, http.MethodGet, srv.URL+"/v1/recordings", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/recordings", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected healthz open, got %d", resp.StatusCode)
	}
}

func TestStatusFeed(t *testing.T) {
	srv := newTestServer(t, "")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/status/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first.Devices) != 1 || first.Devices[0].Name != "tuner-1" {
		t.Errorf("unexpected snapshot %+v", first)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second snapshot: %v", err)
	}
	if !second.Time.After(first.Time) {
		t.Error("expected periodic snapshots")
	}
}
