package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/content"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gateway"
	"broadcastd/internal/retry"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

type capture struct {
	mu   sync.Mutex
	msgs []content.Message
	seq  atomic.Int64
	gate chan struct{}
}

func (c *capture) Send(ctx context.Context, to string, msg content.Message, _ gateway.Credentials) (string, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return "wamid.test" + strconv.FormatInt(c.seq.Add(1), 10), nil
}

func (c *capture) last() content.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return content.Message{}
	}
	return c.msgs[len(c.msgs)-1]
}

type fakeAudit struct {
	limit int
}

func (f *fakeAudit) RecentRuns(_ context.Context, limit int) ([]storage.RunEntry, error) {
	f.limit = limit
	return []storage.RunEntry{{RunID: "old", Status: "completed", Total: 2}}, nil
}

type fixture struct {
	svc *broadcast.Service
	gw  *capture
	bus eventbus.Bus
	h   http.Handler
}

func newFixture(t *testing.T, gw *capture, audit AuditReader) *fixture {
	t.Helper()
	bus := eventbus.New()
	svc := broadcast.New(broadcast.Config{}, gw, nil, retry.Fixed{}, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	api := New(svc, audit, bus, logx.Nop(), Options{Heartbeat: 50 * time.Millisecond})
	return &fixture{svc: svc, gw: gw, bus: bus, h: api.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, ct string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, fields map[string]string, file string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile("image", file)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func waitDone(t *testing.T, svc *broadcast.Service, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx, id))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)
	rec := f.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "idle", out["run_status"])
	assert.Equal(t, false, out["storage"])
}

func TestHealthIncludesRuntimeStats(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc := broadcast.New(broadcast.Config{}, &capture{}, nil, retry.Fixed{}, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	api := New(svc, nil, bus, logx.Nop(), Options{Stats: func() map[string]any {
		return map[string]any{"receipts_pending": 4, "mirror_flushes": 7, "status": "overridden"}
	}})

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 4, out["receipts_pending"])
	assert.EqualValues(t, 7, out["mirror_flushes"])
	assert.Equal(t, "ok", out["status"], "built-in keys win")
}

func TestStartJSONAndLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)

	rec := f.do(t, http.MethodPost, "/api/broadcasts", jsonBody(t, map[string]any{
		"recipients":      []string{"62811"},
		"recipients_text": "62812,\n62813; 62811",
		"message":         "hello",
		"access_token":    "tok",
		"phone_number_id": "pn",
	}), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	id := started["run_id"]
	require.NotEmpty(t, id)
	waitDone(t, f.svc, id)

	rec = f.do(t, http.MethodGet, "/api/broadcasts/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap broadcast.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, broadcast.StatusCompleted, snap.Status)
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, "62811", snap.Records[3].Recipient)

	rec = f.do(t, http.MethodGet, "/api/broadcasts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = f.do(t, http.MethodGet, "/api/broadcasts/current", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)

	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"no credentials", map[string]any{"recipients": []string{"1"}, "message": "x"}, "Missing credentials"},
		{"no recipients", map[string]any{"recipients_text": " ,; ", "message": "x", "access_token": "t", "phone_number_id": "p"}, "recipient"},
		{"no content", map[string]any{"recipients": []string{"1"}, "access_token": "t", "phone_number_id": "p"}, "message text or image"},
		{"unknown field", map[string]any{"recipient": "1"}, "invalid json"},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/api/broadcasts", jsonBody(t, tc.body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		assert.Contains(t, rec.Body.String(), tc.want, tc.name)
	}
	assert.Equal(t, broadcast.StatusIdle, f.svc.Snapshot().Status)
}

func TestStartConflictAndCancel(t *testing.T) {
	t.Parallel()
	gw := &capture{gate: make(chan struct{})}
	f := newFixture(t, gw, nil)
	body := jsonBody(t, map[string]any{
		"recipients": []string{"1", "2", "3"}, "message": "x", "access_token": "t", "phone_number_id": "p",
	})

	rec := f.do(t, http.MethodPost, "/api/broadcasts", body, "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/broadcasts", body, "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/broadcasts/current/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap broadcast.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, broadcast.StatusCancelled, snap.Status)
	for _, r := range snap.Records {
		assert.Equal(t, broadcast.SendFailed, r.SendState)
		assert.Equal(t, broadcast.CancelReason, r.LastError)
	}

	// idempotent
	rec = f.do(t, http.MethodPost, "/api/broadcasts/current/cancel", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartMultipartImage(t *testing.T) {
	t.Parallel()
	gw := &capture{}
	f := newFixture(t, gw, nil)

	body, ct := multipartBody(t, map[string]string{
		"recipients":      "62811\n62812",
		"access_token":    "t",
		"phone_number_id": "p",
	}, "banner.png", pngBytes(t))
	rec := f.do(t, http.MethodPost, "/api/broadcasts", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	waitDone(t, f.svc, started["run_id"])

	img := gw.last().Image
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, "banner.png", img.Name)
}

func TestStartMultipartRejectsGIF(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.Black}), nil))
	body, ct := multipartBody(t, map[string]string{
		"recipients": "1", "access_token": "t", "phone_number_id": "p",
	}, "a.gif", buf.Bytes())

	rec := f.do(t, http.MethodPost, "/api/broadcasts", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), content.ErrImageFormat.Error())
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)
	rec := f.do(t, http.MethodGet, "/api/broadcasts/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)
	rec := f.do(t, http.MethodGet, "/api/audit", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	audit := &fakeAudit{}
	f = newFixture(t, &capture{}, audit)
	rec = f.do(t, http.MethodGet, "/api/audit?limit=7", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, audit.limit)
	assert.Contains(t, rec.Body.String(), `"run_id":"old"`)

	rec = f.do(t, http.MethodGet, "/api/audit?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &capture{}, nil)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/broadcasts/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}

	require.Equal(t, "snapshot", next())

	id, err := f.svc.Start(context.Background(), broadcast.Request{
		Recipients:  []string{"1", "2"},
		Message:     content.Message{Text: "hi"},
		Credentials: gateway.Credentials{AccessToken: "t", PhoneNumberID: "p"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	seen := map[string]bool{}
	for !seen[broadcast.EventFinished] {
		typ := next()
		require.NotEmpty(t, typ, "stream ended early")
		seen[typ] = true
	}
	assert.True(t, seen[broadcast.EventStarted])
	assert.True(t, seen[broadcast.EventProgress])
	assert.True(t, seen[broadcast.EventRecord])
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	svc := broadcast.New(broadcast.Config{}, &capture{}, nil, nil, nil, logx.Nop())
	h := New(svc, nil, nil, logx.Nop(), Options{Pprof: true}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = New(svc, nil, nil, logx.Nop(), Options{}).Handler()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
