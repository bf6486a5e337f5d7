package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/sspanel/internal/api/requestctx"
	"github.com/creamcroissant/sspanel/internal/service"
)

type stubControl struct {
	nodes      []service.NodeView
	heartbeats map[int64]service.HeartbeatInput
	since      *int64
	groupID    int64
	err        error
}

func (s *stubControl) List(context.Context) ([]service.NodeView, error) { return s.nodes, s.err }

func (s *stubControl) Get(_ context.Context, id int64) (*service.NodeView, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, n := range s.nodes {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, service.ErrNotFound
}

func (s *stubControl) Heartbeat(_ context.Context, id int64, input service.HeartbeatInput) error {
	if s.err != nil {
		return s.err
	}
	if s.heartbeats == nil {
		s.heartbeats = map[int64]service.HeartbeatInput{}
	}
	s.heartbeats[id] = input
	return nil
}

func (s *stubControl) NodeUsers(_ context.Context, id int64, since *int64) (*service.NodeUsersResult, error) {
	s.since = since
	return &service.NodeUsersResult{Users: []service.NodeUserView{{ID: 1, UUID: "u", Password: "p", Enabled: true}}, Timestamp: 99}, s.err
}

func (s *stubControl) GroupUsers(_ context.Context, groupID int64, since *int64) (*service.NodeUsersResult, error) {
	s.groupID = groupID
	s.since = since
	return &service.NodeUsersResult{Users: []service.NodeUserView{}, Timestamp: 7}, s.err
}

type stubTraffic struct {
	report *service.TrafficReport
	reset  int64
	err    error
}

func (s *stubTraffic) Report(_ context.Context, report service.TrafficReport) (*service.ReportResult, error) {
	s.report = &report
	if s.err != nil {
		return nil, s.err
	}
	return &service.ReportResult{Processed: len(report.Entries), Total: len(report.Entries), Errors: []string{}}, nil
}

func (s *stubTraffic) Reset(_ context.Context, sid int64, _ string) (*service.ResetResult, error) {
	s.reset = sid
	if s.err != nil {
		return nil, s.err
	}
	return &service.ResetResult{SID: sid, Upload: 1, Download: 2, Total: 3}, nil
}

func nodeRouter(identity *service.NodeIdentity, control NodeController, traffic TrafficService) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := requestctx.WithNodeClaims(req.Context(), requestctx.NodeClaims{Identity: identity})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	nodes := NewNodeHandler(control, nil)
	tr := NewTrafficHandler(traffic, nil)
	r.Get("/nodes", nodes.ListNodes)
	r.Get("/nodes/{id}", nodes.GetNode)
	r.Post("/nodes/{id}/heartbeat", nodes.Heartbeat)
	r.Get("/nodes/{id}/users", nodes.NodeUsers)
	r.Get("/groups/{id}/users", nodes.GroupUsers)
	r.Post("/traffic/report", tr.Report)
	r.Post("/traffic/reset", tr.Reset)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNodeHandler_ScopeOfPerNodeKeys(t *testing.T) {
	control := &stubControl{nodes: []service.NodeView{{ID: 1, GroupID: 2}, {ID: 2, GroupID: 3}}}
	h := nodeRouter(&service.NodeIdentity{NodeID: 1, GroupID: 2}, control, &stubTraffic{})

	rec := do(t, h, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Nodes []service.NodeView `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Nodes, 1)
	assert.Equal(t, int64(1), list.Nodes[0].ID)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/nodes/1", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/nodes/2", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/groups/3/users", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/groups/2/users", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/traffic/report", `{"node_id":2,"data":[]}`).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/traffic/reset", `{"sid":1}`).Code)
}

func TestNodeHandler_GlobalKey(t *testing.T) {
	control := &stubControl{nodes: []service.NodeView{{ID: 1}, {ID: 2}}}
	traffic := &stubTraffic{}
	h := nodeRouter(&service.NodeIdentity{Global: true}, control, traffic)

	rec := do(t, h, http.MethodPost, "/nodes/2/heartbeat", `{"online_user":5,"load":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.HeartbeatInput{OnlineUser: 5, Load: 0.5}, control.heartbeats[2])

	rec = do(t, h, http.MethodGet, "/nodes/2/users?timestamp=1700000000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, control.since)
	assert.Equal(t, int64(1700000000), *control.since)
	assert.JSONEq(t, `{"users":[{"id":1,"uuid":"u","password":"p","speed_limit":null,"device_limit":null,"enabled":true}],"timestamp":99}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/groups/0/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), control.groupID)
	assert.Nil(t, control.since)

	rec = do(t, h, http.MethodPost, "/traffic/reset", `{"sid":9,"reason":"renewal"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), traffic.reset)
	assert.JSONEq(t, `{"sid":9,"upload":1,"download":2,"total":3,"reset_at":0}`, rec.Body.String())
}

func TestNodeHandler_ValidationAndErrors(t *testing.T) {
	control := &stubControl{}
	h := nodeRouter(&service.NodeIdentity{Global: true}, control, &stubTraffic{})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/nodes/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/nodes/1/users?timestamp=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/groups/-1/users", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/nodes/1/heartbeat", `{not json`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nodes/5", "").Code)

	control.err = service.ErrUpstream
	rec := do(t, h, http.MethodGet, "/nodes", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"store unavailable"}`, rec.Body.String())
}

func TestTrafficHandler(t *testing.T) {
	traffic := &stubTraffic{}
	h := nodeRouter(&service.NodeIdentity{NodeID: 3}, &stubControl{}, traffic)

	rec := do(t, h, http.MethodPost, "/traffic/report", `{"node_id":3,"data":[{"user_id":1,"u":10,"d":20},{"user_id":2,"u":1,"d":1}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, traffic.report)
	assert.Equal(t, service.TrafficEntry{UserID: 1, Upload: 10, Download: 20}, traffic.report.Entries[0])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/traffic/report", `{"data":[]}`).Code)

	traffic.err = service.ErrUpstream
	rec = do(t, h, http.MethodPost, "/traffic/report", `{"node_id":3,"data":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"traffic store unavailable"}`, rec.Body.String())
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	h := &HealthHandler{Checks: map[string]Pinger{
		"sqlite":     pingFunc(func(context.Context) error { return nil }),
		"fast_store": pingFunc(func(context.Context) error { return context.DeadlineExceeded }),
	}}
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"sqlite": "ok", "fast_store": "down"}, body.Checks)
}
