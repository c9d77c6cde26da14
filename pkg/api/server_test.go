package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openpod/flashd/pkg/devices"
	"github.com/openpod/flashd/pkg/dfu"
	"github.com/openpod/flashd/pkg/firmware"
	"github.com/openpod/flashd/pkg/flashjob"
	"github.com/openpod/flashd/pkg/history"
)

var testDevice = devices.Info{VID: 0x05ac, PID: 0x1231, Kind: devices.Nano5}

type fakeEnumerator struct {
	infos []devices.Info
}

func (f *fakeEnumerator) List(ctx context.Context) ([]devices.Info, error) { return f.infos, nil }
func (f *fakeEnumerator) Open(ctx context.Context, id string) (devices.Usb, devices.Info, error) {
	return nil, devices.Info{}, devices.ErrDeviceNotFound
}
func (f *fakeEnumerator) Present(ctx context.Context, id string) (bool, error) {
	for _, i := range f.infos {
		if i.ID() == id {
			return true, nil
		}
	}
	return false, nil
}

type fakeSession struct {
	events chan dfu.Event
}

func (f *fakeSession) Events() <-chan dfu.Event              { return f.events }
func (f *fakeSession) Protected() (bool, error)              { return false, nil }
func (f *fakeSession) Unprotect(ctx context.Context) error   { return nil }
func (f *fakeSession) Erase(ctx context.Context) error       { return nil }
func (f *fakeSession) Write(ctx context.Context, image []byte, verify bool) error {
	return nil
}
func (f *fakeSession) Close() error {
	close(f.events)
	return nil
}

func testServer(t *testing.T) (*Server, *httptest.Server, *firmware.Registry) {
	t.Helper()
	reg := firmware.NewRegistry()
	enum := &fakeEnumerator{infos: []devices.Info{testDevice}}
	mgr := flashjob.NewManager(flashjob.Deps{
		Enumerator: enum,
		Resolver:   firmware.NewResolver(nil, nil, nil, reg),
		OpenSession: func(ctx context.Context, info devices.Info) (flashjob.SessionHandle, error) {
			return &fakeSession{events: make(chan dfu.Event, 8)}, nil
		},
	})
	srv := &Server{Manager: mgr, Registry: reg, Enumerator: enum}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, reg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeSnapshot(t *testing.T, resp *http.Response) flashjob.Snapshot {
	t.Helper()
	defer resp.Body.Close()
	var snap flashjob.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestCreateAndGetJob(t *testing.T) {
	_, ts, reg := testServer(t)
	fwID := reg.Register([]byte("firmware"))

	resp := postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		DeviceID: testDevice.ID(),
		Firmware: firmware.Descriptor{Source: firmware.SourceFile, Target: fwID},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: status %d", resp.StatusCode)
	}
	snap := decodeSnapshot(t, resp)
	if snap.ID == "" {
		t.Fatalf("no job id in response")
	}

	// Poll until terminal.
	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/v1/jobs/" + snap.ID)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		got := decodeSnapshot(t, resp)
		if got.State.Terminal() {
			if got.State != flashjob.StateSucceeded {
				t.Fatalf("job ended %s", got.State)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCreateJobValidation(t *testing.T) {
	_, ts, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		Firmware: firmware.Descriptor{Source: firmware.SourceFile, Target: "x"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing deviceId: status %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		DeviceID: testDevice.ID(),
		Firmware: firmware.Descriptor{Source: "teleport"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad source: status %d", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	_, ts, reg := testServer(t)
	fwID := reg.Register([]byte("firmware"))
	resp := postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		DeviceID: testDevice.ID(),
		Firmware: firmware.Descriptor{Source: firmware.SourceFile, Target: fwID},
	})
	snap := decodeSnapshot(t, resp)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+snap.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	decodeSnapshot(t, dresp)
	if dresp.StatusCode != http.StatusOK {
		t.Errorf("cancel: status %d", dresp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/nope", nil)
	dresp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown: status %d", dresp.StatusCode)
	}
}

func TestJobEventsWebsocket(t *testing.T) {
	_, ts, reg := testServer(t)
	fwID := reg.Register([]byte("firmware"))
	resp := postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		DeviceID: testDevice.ID(),
		Firmware: firmware.Descriptor{Source: firmware.SourceFile, Target: fwID},
	})
	snap := decodeSnapshot(t, resp)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + snap.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The feed delivers the current snapshot first and closes after the
	// terminal one.
	sawAny := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got flashjob.Snapshot
		if err := conn.ReadJSON(&got); err != nil {
			if !sawAny {
				t.Fatalf("no snapshots before close: %v", err)
			}
			t.Fatalf("feed ended before a terminal snapshot: %v", err)
		}
		sawAny = true
		if got.ID != snap.ID {
			t.Fatalf("snapshot for wrong job: %s", got.ID)
		}
		if got.State.Terminal() {
			return
		}
	}
}

func TestJobEventsAfterTerminal(t *testing.T) {
	srv, ts, reg := testServer(t)
	fwID := reg.Register([]byte("firmware"))
	resp := postJSON(t, ts.URL+"/v1/jobs", createJobRequest{
		DeviceID: testDevice.ID(),
		Firmware: firmware.Descriptor{Source: firmware.SourceFile, Target: fwID},
	})
	snap := decodeSnapshot(t, resp)

	deadline := time.After(5 * time.Second)
	for {
		got, ok := srv.Manager.Get(snap.ID)
		if ok && got.State.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A feed opened once the job is already done must still deliver the
	// final snapshot and then close, not hang waiting for updates that will
	// never be published.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + snap.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got flashjob.Snapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != snap.ID || !got.State.Terminal() {
		t.Fatalf("expected terminal snapshot, got state %s", got.State)
	}
	if err := conn.ReadJSON(&got); err == nil {
		t.Fatalf("feed stayed open after the terminal snapshot")
	}
}

func TestFirmwareUploadAndEvict(t *testing.T) {
	_, ts, reg := testServer(t)

	resp, err := http.Post(ts.URL+"/v1/firmware", "application/octet-stream", bytes.NewReader([]byte("image-bytes")))
	if err != nil {
		t.Fatalf("POST firmware: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}
	var created struct {
		ID   string `json:"id"`
		Size int    `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Size != len("image-bytes") {
		t.Errorf("size %d", created.Size)
	}
	if _, err := reg.Get(created.ID); err != nil {
		t.Errorf("upload not in registry: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/firmware/"+created.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE firmware: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Errorf("evict: status %d", dresp.StatusCode)
	}
	if _, err := reg.Get(created.ID); err == nil {
		t.Errorf("firmware still registered after evict")
	}
}

func TestEmptyUploadRejected(t *testing.T) {
	_, ts, _ := testServer(t)
	resp, err := http.Post(ts.URL+"/v1/firmware", "application/octet-stream", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST firmware: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty upload: status %d", resp.StatusCode)
	}
}

func TestListDevices(t *testing.T) {
	_, ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/v1/devices")
	if err != nil {
		t.Fatalf("GET devices: %v", err)
	}
	defer resp.Body.Close()
	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != testDevice.ID() {
		t.Errorf("unexpected device list: %+v", got)
	}
	if got[0]["kind"] != "n5g" {
		t.Errorf("kind %v", got[0]["kind"])
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, ts, _ := testServer(t)

	// Without a store the endpoint answers an empty list.
	resp, err := http.Get(ts.URL + "/v1/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	var empty []any
	if err := json.NewDecoder(resp.Body).Decode(&empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(empty) != 0 {
		t.Errorf("expected empty history, got %+v", empty)
	}

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	defer store.Close()
	srv.History = store
	if err := store.Record(flashjob.Snapshot{ID: "old-job", State: flashjob.StateSucceeded}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	resp, err = http.Get(ts.URL + "/v1/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	var recs []struct {
		Snapshot flashjob.Snapshot `json:"snapshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].Snapshot.ID != "old-job" {
		t.Errorf("unexpected history: %+v", recs)
	}

	// Evicted job lookups fall through to history.
	resp, err = http.Get(ts.URL + "/v1/jobs/old-job")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	got := decodeSnapshot(t, resp)
	if got.ID != "old-job" {
		t.Errorf("history fallback failed: %+v", got)
	}
}

func TestProxyRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "upstream:%s", r.URL.Path)
	}))
	defer upstream.Close()

	srv, _, _ := testServer(t)
	srv.ProxyUpstream = upstream.URL
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/proxy/firmware/archive.zip")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if body.String() != "upstream:/firmware/archive.zip" {
		t.Errorf("proxy response %q", body.String())
	}
}
