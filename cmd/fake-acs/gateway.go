package main

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/acsadapter"
)

const gatewayTimeLayout = "2006-01-02T15:04:05.000-07:00"

type gatewayConfig struct {
	AppKey       string
	AppSecret    string
	Latency      time.Duration
	FailRate     float64
	EventsPerMin int
	MaxSkew      time.Duration
}

type fakeGateway struct {
	cfg    gatewayConfig
	signer *acsadapter.Signer
	period time.Duration
	logger *zap.Logger
	start  time.Time
	now    func() time.Time

	totalCalls atomic.Int64
	mu         sync.Mutex
	byResult   map[string]int64
	nonces     map[string]time.Time
}

func newFakeGateway(cfg gatewayConfig, logger *zap.Logger) (*fakeGateway, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, errors.New("fake gateway: empty app key or secret")
	}
	if cfg.EventsPerMin <= 0 {
		return nil, errors.New("fake gateway: events per minute must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fakeGateway{
		cfg:      cfg,
		signer:   acsadapter.NewSigner(cfg.AppKey, cfg.AppSecret),
		period:   time.Minute / time.Duration(cfg.EventsPerMin),
		logger:   logger,
		start:    time.Now().UTC(),
		now:      time.Now,
		byResult: make(map[string]int64),
		nonces:   make(map[string]time.Time),
	}, nil
}

func (g *fakeGateway) routes() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/metrics", g.handleMetrics)
	router.Post(acsadapter.DefaultEventsPath, g.handleEvents)
	return router
}

func (g *fakeGateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	byResult := make(map[string]int64, len(g.byResult))
	for k, v := range g.byResult {
		byResult[k] = v
	}
	g.mu.Unlock()
	writeGatewayJSON(w, http.StatusOK, map[string]any{
		"started_at": g.start.Format(time.RFC3339),
		"total":      g.totalCalls.Load(),
		"by_result":  byResult,
	})
}

type gatewayRequest struct {
	PageNo         int      `json:"pageNo"`
	PageSize       int      `json:"pageSize"`
	DoorIndexCodes []string `json:"doorIndexCodes"`
	EventTypes     []int    `json:"eventTypes"`
	StartTime      string   `json:"startTime"`
	EndTime        string   `json:"endTime"`
	PersonName     string   `json:"personName"`
}

type gatewayEvent struct {
	EventID       string `json:"eventId"`
	EventTime     string `json:"eventTime"`
	PersonID      string `json:"personId"`
	PersonName    string `json:"personName"`
	DoorIndexCode string `json:"doorIndexCode"`
	DoorName      string `json:"doorName"`
	DevIndexCode  string `json:"devIndexCode"`
	DevName       string `json:"devName"`
	EventType     int    `json:"eventType"`
}

func (g *fakeGateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	g.totalCalls.Add(1)
	if g.cfg.Latency > 0 {
		time.Sleep(g.cfg.Latency)
	}
	if err := g.verify(r); err != nil {
		g.record("unauthorized")
		g.logger.Info("rejected signature", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if g.cfg.FailRate > 0 && rand.Float64() < g.cfg.FailRate {
		g.record("failed")
		writeGatewayJSON(w, http.StatusOK, map[string]any{"code": "0x01900001", "msg": "fake gateway busy"})
		return
	}

	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.record("bad_request")
		writeGatewayJSON(w, http.StatusOK, map[string]any{"code": "0x00072001", "msg": "invalid body"})
		return
	}
	start, errStart := time.Parse(time.RFC3339, req.StartTime)
	end, errEnd := time.Parse(time.RFC3339, req.EndTime)
	if errStart != nil || errEnd != nil || end.Before(start) || req.PageNo <= 0 || req.PageSize <= 0 {
		g.record("bad_request")
		writeGatewayJSON(w, http.StatusOK, map[string]any{"code": "0x00072002", "msg": "invalid window or paging"})
		return
	}

	all := g.synthesize(req, start, end)
	from := (req.PageNo - 1) * req.PageSize
	page := []gatewayEvent{}
	if from < len(all) {
		to := min(from+req.PageSize, len(all))
		page = all[from:to]
	}
	g.record("success")
	writeGatewayJSON(w, http.StatusOK, map[string]any{
		"code": "0",
		"msg":  "success",
		"data": map[string]any{
			"total":    len(all),
			"pageNo":   req.PageNo,
			"pageSize": req.PageSize,
			"list":     page,
		},
	})
}

func (g *fakeGateway) verify(r *http.Request) error {
	key := r.Header.Get(acsadapter.HeaderKey)
	nonce := r.Header.Get(acsadapter.HeaderNonce)
	timestamp := r.Header.Get(acsadapter.HeaderTimestamp)
	signature := r.Header.Get(acsadapter.HeaderSignature)
	if key != g.cfg.AppKey {
		return errors.New("unknown app key")
	}
	if nonce == "" || timestamp == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	now := g.now()
	if skew := now.Sub(time.UnixMilli(ms)).Abs(); g.cfg.MaxSkew > 0 && skew > g.cfg.MaxSkew {
		return errors.New("timestamp outside allowed skew")
	}
	expected := g.signer.Sign(acsadapter.StringToSign(r.Method, r.Header.Get("Accept"), r.Header.Get("Content-Type"), key, nonce, timestamp, r.URL.Path))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errors.New("signature mismatch")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for seen, at := range g.nonces {
		if now.Sub(at) > g.cfg.MaxSkew {
			delete(g.nonces, seen)
		}
	}
	if _, replay := g.nonces[nonce]; replay {
		return errors.New("nonce replayed")
	}
	g.nonces[nonce] = now
	return nil
}

// synthesize emits one event per door and type on every period boundary in [start, end].
func (g *fakeGateway) synthesize(req gatewayRequest, start, end time.Time) []gatewayEvent {
	types := req.EventTypes
	if len(types) == 0 {
		types = accessevents.DefaultEventTypes()
	}
	first := start.Truncate(g.period)
	if first.Before(start) {
		first = first.Add(g.period)
	}
	var out []gatewayEvent
	for at := first; !at.After(end); at = at.Add(g.period) {
		for _, door := range req.DoorIndexCodes {
			for _, eventType := range types {
				person := at.UnixMilli() / g.period.Milliseconds() % 40
				name := fmt.Sprintf("Resident %02d", person)
				if req.PersonName != "" && req.PersonName != name {
					continue
				}
				out = append(out, gatewayEvent{
					EventID:       fmt.Sprintf("%s-%d-%d", door, eventType, at.UnixMilli()),
					EventTime:     at.In(start.Location()).Format(gatewayTimeLayout),
					PersonID:      fmt.Sprintf("p-%02d", person),
					PersonName:    name,
					DoorIndexCode: door,
					DoorName:      "Door " + door,
					DevIndexCode:  "dev-" + door,
					DevName:       "Reader " + door,
					EventType:     eventType,
				})
			}
		}
	}
	return out
}

func (g *fakeGateway) record(result string) {
	g.mu.Lock()
	g.byResult[result]++
	g.mu.Unlock()
}

func writeGatewayJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
