package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"dorm-access/internal/accessevents/application"
	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/accessevents/infrastructure/memory"
	"dorm-access/internal/audit"
	"dorm-access/internal/auth"
	"dorm-access/internal/broadcast"
)

type fakeController struct {
	mu      sync.Mutex
	started []accessevents.PollConfig
	stops   int
	status  application.Status
}

func (c *fakeController) Start(ctx context.Context, cfg accessevents.PollConfig) (accessevents.PollConfig, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return accessevents.PollConfig{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, normalized)
	return normalized, nil
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeController) Status() application.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) Log(ctx context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func postStart(t *testing.T, h *PollHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/poll/start", strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "ops-1"))
	req.RemoteAddr = "192.0.2.10:4000"
	resp := httptest.NewRecorder()
	h.Start(resp, req)
	return resp
}

func TestPollHandlerStart_Success(t *testing.T) {
	controller := &fakeController{}
	auditor := &recordingAudit{}
	h, err := NewPollHandler(controller, auditor, nil)
	require.NoError(t, err)

	resp := postStart(t, h, `{"doorIds":["D1"," D2 ","D1"],"intervalMs":5000}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var body startResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.NotNil(t, body.Config)
	require.Equal(t, []string{"D1", "D2"}, body.Config.DoorIDs)
	require.Equal(t, accessevents.DefaultEventTypes(), body.Config.EventTypes)
	require.Equal(t, 5000, body.Config.IntervalMs)

	require.Len(t, auditor.entries, 1)
	entry := auditor.entries[0]
	require.Equal(t, audit.ActionPollStart, entry.Action)
	require.Equal(t, "ops-1", entry.Actor)
	require.Equal(t, "operator", entry.Role)
	require.Equal(t, "192.0.2.10", entry.IP)
	require.NotEmpty(t, entry.PayloadDigest)
}

func TestPollHandlerStart_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed json":     `{"doorIds":`,
		"missing doors":      `{}`,
		"empty doors":        `{"doorIds":[]}`,
		"empty door id":      `{"doorIds":[""]}`,
		"blank door id":      `{"doorIds":["   "]}`,
		"negative type":      `{"doorIds":["D1"],"eventTypes":[-1]}`,
		"negative interval":  `{"doorIds":["D1"],"intervalMs":-5}`,
		"wrong doorIds type": `{"doorIds":"D1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			controller := &fakeController{}
			auditor := &recordingAudit{}
			h, err := NewPollHandler(controller, auditor, nil)
			require.NoError(t, err)

			resp := postStart(t, h, body)
			require.Equal(t, http.StatusBadRequest, resp.Code)
			var out startResponse
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
			require.False(t, out.Success)
			require.NotEmpty(t, out.Error)
			require.Empty(t, controller.started)
			require.Empty(t, auditor.entries)
		})
	}
}

func TestPollHandlerStart_ValidationNamesJSONField(t *testing.T) {
	h, err := NewPollHandler(&fakeController{}, nil, nil)
	require.NoError(t, err)
	resp := postStart(t, h, `{"doorIds":["D1",""]}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Contains(t, resp.Body.String(), "doorIds[1]")
}

func TestPollHandlerStopAndStatus(t *testing.T) {
	controller := &fakeController{status: application.Status{
		Running: true,
		State:   application.StateRunning,
		Watermarks: []accessevents.Watermark{
			{DoorID: "D1", EventType: 7, OccurredAt: time.Date(2026, 3, 1, 10, 0, 7, 0, time.UTC)},
		},
	}}
	auditor := &recordingAudit{}
	h, err := NewPollHandler(controller, auditor, nil)
	require.NoError(t, err)

	statusResp := httptest.NewRecorder()
	h.Status(statusResp, httptest.NewRequest(http.MethodGet, "/poll/status", nil))
	require.Equal(t, http.StatusOK, statusResp.Code)
	var status application.Status
	require.NoError(t, json.Unmarshal(statusResp.Body.Bytes(), &status))
	require.True(t, status.Running)
	require.Len(t, status.Watermarks, 1)
	require.Equal(t, "D1", status.Watermarks[0].DoorID)

	stopResp := httptest.NewRecorder()
	h.Stop(stopResp, httptest.NewRequest(http.MethodPost, "/poll/stop", nil))
	require.Equal(t, http.StatusOK, stopResp.Code)
	require.JSONEq(t, `{"success":true}`, stopResp.Body.String())
	require.Equal(t, 1, controller.stops)
	require.Len(t, auditor.entries, 1)
	require.Equal(t, audit.ActionPollStop, auditor.entries[0].Action)

	wrongMethod := httptest.NewRecorder()
	h.Stop(wrongMethod, httptest.NewRequest(http.MethodGet, "/poll/stop", nil))
	require.Equal(t, http.StatusMethodNotAllowed, wrongMethod.Code)
}

func newLive(t *testing.T, keepalive time.Duration) (*broadcast.Broadcaster, *broadcast.LiveChannel) {
	t.Helper()
	b := broadcast.New()
	t.Cleanup(b.Close)
	live, err := broadcast.NewLiveChannel(b, keepalive, nil)
	require.NoError(t, err)
	return b, live
}

func waitSubscribers(t *testing.T, b *broadcast.Broadcaster, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

type sseFrame struct {
	event string
	id    string
	data  string
}

func readFrame(t *testing.T, reader *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return frame
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamHandler_SSEFraming(t *testing.T) {
	b, live := newLive(t, time.Hour)
	h, err := NewStreamHandler(live, nil)
	require.NoError(t, err)
	server := httptest.NewServer(h)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	ready := readFrame(t, reader)
	require.Equal(t, "ready", ready.event)
	require.Empty(t, ready.id)

	waitSubscribers(t, b, 1)
	b.Publish(broadcast.TopicEvent, accessevents.AccessEvent{ExternalID: "evt-1", DoorID: "D1", EventType: 7})
	b.Publish(broadcast.TopicSummary, accessevents.TickSummary{EventType: 7, Inserted: 1})

	first := readFrame(t, reader)
	require.Equal(t, "event", first.event)
	require.Equal(t, "1", first.id)
	var evt accessevents.AccessEvent
	require.NoError(t, json.Unmarshal([]byte(first.data), &evt))
	require.Equal(t, "evt-1", evt.ExternalID)

	second := readFrame(t, reader)
	require.Equal(t, "summary", second.event)
	require.Equal(t, "2", second.id)
	require.Contains(t, second.data, `"inserted":1`)

	cancel()
	waitSubscribers(t, b, 0)
}

func TestStreamHandler_Keepalive(t *testing.T) {
	_, live := newLive(t, 20*time.Millisecond)
	h, err := NewStreamHandler(live, nil)
	require.NoError(t, err)
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "ready", readFrame(t, reader).event)
	require.Equal(t, "ping", readFrame(t, reader).event)
}

func TestWSHandler_Frames(t *testing.T) {
	b, live := newLive(t, time.Hour)
	h, err := NewWSHandler(live, nil, nil)
	require.NoError(t, err)
	server := httptest.NewServer(h)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var ready Frame
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, broadcast.TopicReady, ready.Type)

	waitSubscribers(t, b, 1)
	b.Publish(broadcast.TopicEvent, accessevents.AccessEvent{ExternalID: "evt-9", EventType: 7})

	var frame struct {
		Type string                   `json:"type"`
		Seq  uint64                   `json:"seq"`
		Data accessevents.AccessEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "event", frame.Type)
	require.Equal(t, "evt-9", frame.Data.ExternalID)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitSubscribers(t, b, 0)
}

func TestWSHandler_ClosesOnShutdown(t *testing.T) {
	b, live := newLive(t, time.Hour)
	h, err := NewWSHandler(live, nil, nil)
	require.NoError(t, err)
	server := httptest.NewServer(h)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	var ready Frame
	require.NoError(t, conn.ReadJSON(&ready))

	b.Close()
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func seededRepo(t *testing.T) *memory.EventRepository {
	t.Helper()
	repo := memory.NewEventRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []accessevents.AccessEvent{
		{ExternalID: "e1", DoorID: "D1", DoorName: "North Gate", PersonName: "Li Wei", EventType: accessevents.EventTypeFacePass, EventTypeName: "face_auth_pass", OccurredAt: base},
		{ExternalID: "e2", DoorID: "D1", PersonName: "Zhang Min", EventType: accessevents.EventTypeCardPass, OccurredAt: base.Add(time.Minute)},
		{ExternalID: "e3", DoorID: "D2", PersonName: "Li Na", EventType: accessevents.EventTypeFacePass, OccurredAt: base.Add(2 * time.Minute)},
	}
	for _, evt := range events {
		_, err := repo.InsertIfAbsent(context.Background(), evt)
		require.NoError(t, err)
	}
	return repo
}

func TestEventsHandlerList_Filters(t *testing.T) {
	h, err := NewEventsHandler(seededRepo(t), nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	h.List(resp, httptest.NewRequest(http.MethodGet, "/access-events?doorId=D1&limit=1", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 1)
	require.Equal(t, "e2", body.Items[0].ExternalID)

	resp = httptest.NewRecorder()
	h.List(resp, httptest.NewRequest(http.MethodGet, "/access-events?personName=li&from=2026-03-01T10:01:00Z", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, "e3", body.Items[0].ExternalID)
}

func TestEventsHandlerList_EmptyIsArray(t *testing.T) {
	h, err := NewEventsHandler(memory.NewEventRepository(), nil)
	require.NoError(t, err)
	resp := httptest.NewRecorder()
	h.List(resp, httptest.NewRequest(http.MethodGet, "/access-events", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"total":0,"items":[]}`, resp.Body.String())
}

func TestEventsHandlerList_BadQuery(t *testing.T) {
	h, err := NewEventsHandler(memory.NewEventRepository(), nil)
	require.NoError(t, err)
	for _, query := range []string{
		"eventType=abc",
		"limit=-1",
		"from=yesterday",
		"from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z",
	} {
		resp := httptest.NewRecorder()
		h.List(resp, httptest.NewRequest(http.MethodGet, "/access-events?"+query, nil))
		require.Equal(t, http.StatusBadRequest, resp.Code, query)
	}
}

func TestEventsHandlerExportXLSX(t *testing.T) {
	h, err := NewEventsHandler(seededRepo(t), nil)
	require.NoError(t, err)
	resp := httptest.NewRecorder()
	h.ExportXLSX(resp, httptest.NewRequest(http.MethodGet, "/access-events/export.xlsx?doorId=D1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Header().Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	header, err := f.GetCellValue("events", "A1")
	require.NoError(t, err)
	require.Equal(t, "Occurred At", header)
	rows, err := f.GetRows("events")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "e2", rows[1][6])
	require.Equal(t, "North Gate", rows[2][1])
	require.Equal(t, "face_auth_pass", rows[2][4])
}

func TestEventsHandlerExportPDF(t *testing.T) {
	h, err := NewEventsHandler(seededRepo(t), nil)
	require.NoError(t, err)
	resp := httptest.NewRecorder()
	h.ExportPDF(resp, httptest.NewRequest(http.MethodGet, "/access-events/export.pdf", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")))
}

func TestBuildEventsPDF_PaginatesLargeExports(t *testing.T) {
	events := make([]accessevents.AccessEvent, 200)
	for i := range events {
		events[i] = accessevents.AccessEvent{ExternalID: "e", EventType: 7, OccurredAt: time.Now()}
	}
	data, err := BuildEventsPDF(ExportMeta{GeneratedAt: time.Now()}, events)
	require.NoError(t, err)
	require.Greater(t, bytes.Count(data, []byte("/Type /Page\n")), 1)
}

func TestConstructorsRejectNil(t *testing.T) {
	_, err := NewPollHandler(nil, nil, nil)
	require.Error(t, err)
	_, err = NewStreamHandler(nil, nil)
	require.Error(t, err)
	_, err = NewWSHandler(nil, nil, nil)
	require.Error(t, err)
	_, err = NewEventsHandler(nil, nil)
	require.Error(t, err)
}
