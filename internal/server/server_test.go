package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"pipeyard/internal/app"
	"pipeyard/internal/config"
	"pipeyard/internal/db"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/migrate"
	"pipeyard/internal/repo"
)

const operator = "op-1"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("yard")
	cfg.Operators = []string{operator}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := app.Seed(context.Background(), repo.Repo{DB: conn}, cfg, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := engine.New(conn, cfg)
	if authCfg.Logger == nil {
		authCfg.Logger = log.New(io.Discard, "", 0)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func legacyServer(t *testing.T) *testServer {
	return newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", res.Request.Method, res.Request.URL.Path, want, res.StatusCode, string(body))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", v, err, string(data))
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createPending(t *testing.T, srv *testServer, qty int) domain.StorageRequest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"company_id":        "acme",
		"company_name":      "Acme Drilling",
		"required_quantity": qty,
		"joint_length":      "12",
		"submit":            true,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.StorageRequest](t, data)
}

func TestRequestToInventoryOverHTTP(t *testing.T) {
	srv := legacyServer(t)
	client := srv.Client()

	req := createPending(t, srv, 40)
	if req.Status != domain.RequestPending {
		t.Fatalf("expected pending request, got %s", req.Status)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", map[string]any{
		"rack_ids": []string{"A-01"},
	}, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	approval := decode[engine.ApprovalResult](t, data)
	if approval.Request.Status != domain.RequestApproved || len(approval.Allocations) != 1 || approval.Allocations[0].Quantity != 40 {
		t.Fatalf("unexpected approval: %+v", approval)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/racks/A-01", nil, as("acme-user"))
	expectStatus(t, res, data, http.StatusOK)
	rk := decode[RackResponse](t, data)
	if rk.Reserved != 40 || rk.Occupied != 0 || rk.Available != 60 {
		t.Fatalf("unexpected rack after approval: %+v", rk)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/loads", map[string]any{
		"direction":        "inbound",
		"planned_quantity": 40,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusCreated)
	load := decode[domain.Load](t, data)
	if load.SequenceNumber != 1 || load.Status != domain.LoadNew {
		t.Fatalf("unexpected load: %+v", load)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+req.ID+"/gate?direction=inbound", nil, as("acme-user"))
	expectStatus(t, res, data, http.StatusOK)
	if gate := decode[GateResponse](t, data); gate.CanCreate {
		t.Fatalf("gate should be closed while a load is open")
	}

	for _, status := range []string{"approved", "in_transit"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/loads/"+load.ID+"/transition", map[string]any{
			"status": status,
		}, as(operator))
		expectStatus(t, res, data, http.StatusOK)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/loads/"+load.ID+"/complete-inbound", map[string]any{
		"rack_id":         "A-01",
		"actual_quantity": 40,
		"manifest": map[string]any{
			"total_quantity": 40,
			"line_items": []map[string]any{
				{"reference": "HT-1", "grade": "L80", "quantity": 25, "length": "300.5"},
				{"reference": "HT-2", "grade": "L80", "quantity": 15},
			},
		},
	}, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	done := decode[engine.CompletionResult](t, data)
	if done.Load.Status != domain.LoadCompleted || done.Request.Status != domain.RequestCompleted || done.Request.DeliveredQuantity != 40 {
		t.Fatalf("unexpected completion: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/inventory?request_id="+req.ID, nil, as("acme-user"))
	expectStatus(t, res, data, http.StatusOK)
	units := decode[[]domain.InventoryUnit](t, data)
	total := 0
	for _, u := range units {
		if u.Status != domain.UnitInStorage || u.RackID != "A-01" {
			t.Fatalf("unexpected unit: %+v", u)
		}
		total += u.Quantity
	}
	if len(units) != 2 || total != 40 {
		t.Fatalf("expected 2 units holding 40 joints, got %d units holding %d", len(units), total)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reconciliation", nil, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	for _, row := range decode[[]engine.ReconciliationRow](t, data) {
		if row.Mismatch {
			t.Fatalf("rack %s does not reconcile: %+v", row.RackID, row)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/capacity", nil, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	areas := decode[[]domain.AreaCapacity](t, data)
	if len(areas) == 0 || areas[0].Area != "A" || areas[0].Occupied != 40 || areas[0].Reserved != 0 {
		t.Fatalf("unexpected capacity summary: %+v", areas)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/audit?entity_id="+load.ID, nil, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	entries := decode[[]AuditResponse](t, data)
	if len(entries) != 4 || entries[3].Action != "COMPLETE_INBOUND_LOAD" {
		t.Fatalf("unexpected load audit trail: %+v", entries)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?entity_id="+req.ID, nil, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	var types []string
	for _, n := range decode[[]NotificationResponse](t, data) {
		types = append(types, n.Type)
	}
	want := []string{"request.submitted", "request.approved", "request.completed"}
	if len(types) != len(want) {
		t.Fatalf("expected intents %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected intents %v, got %v", want, types)
		}
	}
}

func TestApproveBeyondCapacityConflicts(t *testing.T) {
	srv := legacyServer(t)
	req := createPending(t, srv, 150)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", map[string]any{
		"rack_ids": []string{"A-01"},
	}, as(operator))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "insufficient_capacity" {
		t.Fatalf("expected insufficient_capacity, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests/"+req.ID, nil, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[domain.StorageRequest](t, data); got.Status != domain.RequestPending {
		t.Fatalf("failed approval changed status to %s", got.Status)
	}
}

func TestOperatorActionsRequireOperator(t *testing.T) {
	srv := legacyServer(t)
	req := createPending(t, srv, 10)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", map[string]any{
		"rack_ids": []string{"A-01"},
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusForbidden)
	if code := errorCode(t, data); code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/racks/C-01", map[string]any{
		"area":     "C",
		"capacity": 10,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestRejectNeedsReason(t *testing.T) {
	srv := legacyServer(t)
	req := createPending(t, srv, 10)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/reject", map[string]any{}, as(operator))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/reject", map[string]any{
		"reason": "no space this season",
	}, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	got := decode[domain.StorageRequest](t, data)
	if got.Status != domain.RequestRejected || got.RejectionReason == nil {
		t.Fatalf("unexpected rejected request: %+v", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", map[string]any{
		"rack_ids": []string{"A-01"},
	}, as(operator))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestLoadRulesOverHTTP(t *testing.T) {
	srv := legacyServer(t)
	client := srv.Client()
	req := createPending(t, srv, 20)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/loads", map[string]any{
		"direction":        "inbound",
		"planned_quantity": 20,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", map[string]any{
		"rack_ids": []string{"A-01", "A-02"},
	}, as(operator))
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/loads", map[string]any{
		"direction":        "inbound",
		"planned_quantity": 10,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusCreated)
	load := decode[domain.Load](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/loads", map[string]any{
		"direction":        "inbound",
		"planned_quantity": 10,
	}, as("acme-user"))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "load_in_progress" {
		t.Fatalf("expected load_in_progress, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/loads/"+load.ID+"/transition", map[string]any{
		"status": "completed",
	}, as(operator))
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/loads/"+load.ID+"/transition", map[string]any{
		"status": "new",
		"issues": []string{"manifest page 2 unreadable"},
	}, as(operator))
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Load](t, data); len(got.CorrectionIssues) != 1 {
		t.Fatalf("expected correction issues to be recorded: %+v", got)
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret", EnableDevLogin: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/racks", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/racks", nil, as(operator))
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/racks", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": operator}, nil)
	expectStatus(t, res, data, http.StatusOK)
	token := decode[DevLoginResponse](t, data).Token

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != operator || !me.Operator || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	ctx := context.Background()
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        "key-1",
		ActorID:   "acme-user",
		KeyHash:   repo.HashAPIKey("acme-secret"),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "acme-secret"})
	expectStatus(t, res, data, http.StatusOK)
	me = decode[WhoAmIResponse](t, data)
	if me.ActorID != "acme-user" || me.Operator {
		t.Fatalf("unexpected api key principal: %+v", me)
	}
}

func TestCompanyScopedToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret", EnableDevLogin: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "acme-user", "company_id": "acme"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	bearer := map[string]string{"Authorization": "Bearer " + decode[DevLoginResponse](t, data).Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	expectStatus(t, res, data, http.StatusOK)
	if me := decode[WhoAmIResponse](t, data); me.CompanyID != "acme" || me.Operator {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{"required_quantity": 4}, bearer)
	expectStatus(t, res, data, http.StatusCreated)
	if req := decode[domain.StorageRequest](t, data); req.CompanyID != "acme" {
		t.Fatalf("request not created for the token's company: %q", req.CompanyID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{"company_id": "globex", "required_quantity": 4}, bearer)
	expectStatus(t, res, data, http.StatusForbidden)
	if code := errorCode(t, data); code != "not_authorized" {
		t.Fatalf("expected not_authorized, got %s", code)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/inventory?company_id=globex", nil, bearer)
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, bearer)
	expectStatus(t, res, data, http.StatusOK)
	for _, req := range decode[[]domain.StorageRequest](t, data) {
		if req.CompanyID != "acme" {
			t.Fatalf("listed another company's request: %+v", req)
		}
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "secret"})

	res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
	if err != nil {
		t.Fatalf("get openapi: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	expectStatus(t, res, data, http.StatusOK)

	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			Schemas         map[string]json.RawMessage `json:"schemas"`
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, route := range []string{"/v1/requests/{request_id}/approve", "/v1/loads/{load_id}/complete-inbound", "/v1/capacity"} {
		if _, ok := doc.Paths[route]; !ok {
			t.Fatalf("missing route %s", route)
		}
	}
	if _, ok := doc.Components.Schemas["ApiError"]; !ok {
		t.Fatalf("error schema not registered: %v", doc.Components.Schemas)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("bearer scheme missing")
	}
	if !bytes.Contains(data, []byte("insufficient_capacity")) {
		t.Fatalf("error codes not documented")
	}
}
