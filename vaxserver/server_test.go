package vaxserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

func newTestServer(t *testing.T, secret string) (*Server, *MemorySink, *httptest.Server) {
	t.Helper()
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.JWTSecret = secret
	s := New(sink, cfg, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, sink, ts
}

func send(t *testing.T, method, url string, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestApplyAndDuplicate(t *testing.T) {
	_, sink, ts := newTestServer(t, "")
	headers := map[string]string{
		replay.HeaderDeviceID:       "tablet-1",
		replay.HeaderIdempotencyKey: "k-1",
	}
	body := `{"id":"v-1","childId":1,"vaccineId":"bcg","dueDate":"2025-03-01"}`

	resp, out := send(t, http.MethodPost, ts.URL+"/api/vaccinations", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, StApplied, out["status"])
	assert.Equal(t, "v-1", out["id"])

	resp, out = send(t, http.MethodPost, ts.URL+"/api/vaccinations", body, headers)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, StDuplicate, out["status"])

	// Same key from another device is a different action.
	headers[replay.HeaderDeviceID] = "tablet-2"
	resp, _ = send(t, http.MethodPost, ts.URL+"/api/vaccinations", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	n, err := sink.ActionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateMergesRecord(t *testing.T) {
	_, sink, ts := newTestServer(t, "")
	h := func(key string) map[string]string {
		return map[string]string{replay.HeaderDeviceID: "tablet-1", replay.HeaderIdempotencyKey: key}
	}

	resp, _ := send(t, http.MethodPost, ts.URL+"/api/children", `{"id":"c-9","name":"Amani","dateOfBirth":"2025-01-02"}`, h("a"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, out := send(t, http.MethodPut, ts.URL+"/api/children/c-9", `{"name":"Amani W."}`, h("b"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c-9", out["id"])

	doc, found, err := sink.Record(context.Background(), KindChild, "c-9")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"c-9","name":"Amani W.","dateOfBirth":"2025-01-02"}`, string(doc))

	resp, out = send(t, http.MethodPut, ts.URL+"/api/children/c-9", `{"id":"c-10"}`, h("c"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_payload", out["error"])
}

func TestValidationErrors(t *testing.T) {
	_, _, ts := newTestServer(t, "")
	ok := map[string]string{replay.HeaderDeviceID: "tablet-1", replay.HeaderIdempotencyKey: "k"}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{"not an object", `[1,2]`, ok},
		{"missing field", `{"childId":1}`, ok},
		{"empty field", `{"childId":1,"vaccineId":""}`, ok},
		{"no idempotency key", `{"childId":1,"vaccineId":"bcg"}`, map[string]string{replay.HeaderDeviceID: "tablet-1"}},
		{"no device", `{"childId":1,"vaccineId":"bcg"}`, map[string]string{replay.HeaderIdempotencyKey: "k"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := send(t, http.MethodPost, ts.URL+"/api/vaccinations", tc.body, tc.headers)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "bad_payload", out["error"])
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestPayloadLimit(t *testing.T) {
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.Service.MaxPayloadBytes = 64
	ts := httptest.NewServer(New(sink, cfg, nil))
	defer ts.Close()

	big := `{"motherId":"m-1","notes":"` + string(bytes.Repeat([]byte("x"), 100)) + `"}`
	resp, out := send(t, http.MethodPost, ts.URL+"/api/visits", big,
		map[string]string{replay.HeaderDeviceID: "d", replay.HeaderIdempotencyKey: "k"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["message"], "payload too large")
}

func TestAuthAndTokenIssuance(t *testing.T) {
	s, sink, ts := newTestServer(t, "test-secret")

	body := `{"motherId":"m-1"}`
	resp, out := send(t, http.MethodPost, ts.URL+"/api/visits", body, map[string]string{replay.HeaderIdempotencyKey: "k"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication_failed", out["error"])

	resp, out = send(t, http.MethodPost, ts.URL+"/auth/token", `{"user":"chw-1","password":"x","device":"tablet-7"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)
	claims, err := s.JWTAuth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "tablet-7", claims.DeviceID)

	// The device comes from the token, not from the header.
	resp, _ = send(t, http.MethodPost, ts.URL+"/api/visits", body, map[string]string{
		"Authorization":             "Bearer " + token,
		replay.HeaderIdempotencyKey: "k",
		replay.HeaderDeviceID:       "spoofed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	n, err := sink.ActionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, a := range sink.actions {
		assert.Equal(t, "tablet-7", a.DeviceID)
		assert.Equal(t, "chw-1", a.UserID)
	}
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t, "")
	resp, out := send(t, http.MethodGet, ts.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", out["status"])
}

// TestReplayAgainstServer drains a real queue through the HTTP replayer.
func TestReplayAgainstServer(t *testing.T) {
	ctx := context.Background()
	_, sink, ts := newTestServer(t, "")

	store, err := vaxstore.Open(ctx, vaxstore.DefaultConfig(":memory:"), nil)
	require.NoError(t, err)
	defer store.Close()
	q := syncqueue.New(store, nil, nil)

	_, err = q.Enqueue(ctx, replay.ActionRegisterMother, map[string]any{"id": "m-1", "name": "Wanjiru", "phone": "+254700000001"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, replay.ActionRecordVaccination, map[string]any{"childId": 1}) // missing vaccineId
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, replay.ActionRecordVisit, map[string]any{"motherId": "m-1", "date": "2025-03-10"})
	require.NoError(t, err)

	cfg := replay.DefaultHTTPConfig(ts.URL)
	cfg.RatePerSecond = 0
	replayer := replay.NewHTTPReplayer(cfg, "tablet-1", nil, nil)
	m := replay.NewManager(q, replayer, nil, nil)

	res, err := m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, replay.Result{Successful: 2, Remaining: 1}, res)

	doc, found, err := sink.Record(ctx, KindMother, "m-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(doc), "Wanjiru")

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, replay.ActionRecordVaccination, pending[0].Action)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "400")
}

func TestQueuedAtHeader(t *testing.T) {
	sink := NewMemorySink()
	ts := httptest.NewServer(New(sink, nil, nil))
	defer ts.Close()

	queued := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	resp, _ := send(t, http.MethodPost, ts.URL+"/api/appointments", `{"childId":"c-1","date":"2025-04-01"}`, map[string]string{
		replay.HeaderDeviceID:       "d",
		replay.HeaderIdempotencyKey: "k",
		replay.HeaderQueuedAt:       "1741593600000",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	for _, a := range sink.actions {
		assert.True(t, queued.Equal(a.QueuedAt))
		assert.Equal(t, KindAppointment, a.Kind)
	}
}
