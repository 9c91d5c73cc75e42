package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offerline/internal/config"
	"offerline/internal/db"
	"offerline/internal/engine"
	"offerline/internal/migrate"
)

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-market"))
	handler, err := New(Config{
		Engine: eng,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, into any) {
	t.Helper()
	if err := json.Unmarshal(data, into); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	return envelope.Error.Code
}

func TestHealthNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/requests", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Errorf("code = %s, want unauthorized", code)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1"

	res, data := doJSON(t, http.MethodPost, base+"/requests", "requester-1", map[string]any{
		"domain":  "roadside_assistance",
		"payload": map[string]any{"description": "dead battery"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request: status = %d, body %s", res.StatusCode, data)
	}
	var req RequestResponse
	decodeInto(t, data, &req)
	if req.Status != "pending" {
		t.Errorf("request status = %s, want pending", req.Status)
	}

	res, data = doJSON(t, http.MethodPost, base+"/requests/"+req.ID+"/offers", "prov-1", map[string]any{
		"price_cents": 5000,
		"eta_minutes": 20,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit offer: status = %d, body %s", res.StatusCode, data)
	}
	var offer OfferResponse
	decodeInto(t, data, &offer)

	res, data = doJSON(t, http.MethodPost, base+"/offers/"+offer.ID+"/accept", "requester-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: status = %d, body %s", res.StatusCode, data)
	}
	var assignment AssignmentResponse
	decodeInto(t, data, &assignment)
	if assignment.OfferID != offer.ID || assignment.PriceCents != 5000 {
		t.Errorf("assignment = %+v", assignment)
	}

	// Losing a settled race maps to the 409 envelope.
	res, data = doJSON(t, http.MethodPost, base+"/offers/"+offer.ID+"/accept", "requester-1", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-accept: status = %d, body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "request_already_assigned" {
		t.Errorf("re-accept code = %s, want request_already_assigned", code)
	}

	res, data = doJSON(t, http.MethodPost, base+"/requests/"+req.ID+"/start", "prov-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, base+"/requests/"+req.ID+"/complete", "prov-1", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: status = %d, body %s", res.StatusCode, data)
	}
	decodeInto(t, data, &assignment)
	if assignment.CompletedAt == nil || assignment.SettlementCents == nil {
		t.Errorf("completed assignment = %+v", assignment)
	}

	res, data = doJSON(t, http.MethodGet, base+"/requests/"+req.ID+"/ledger", "requester-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger: status = %d, body %s", res.StatusCode, data)
	}
	var entries []LedgerEntryResponse
	decodeInto(t, data, &entries)
	if len(entries) != 3 {
		t.Errorf("ledger entries = %d, want 3", len(entries))
	}
}

func TestOfferOnMissingRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/requests/nope/offers", "prov-1", map[string]any{
		"price_cents": 1000,
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Errorf("code = %s, want not_found", code)
	}
}

func TestInvalidDomainRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/requests", "requester-1", map[string]any{
		"domain": "plumbing",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Errorf("code = %s, want bad_request", code)
	}
}

func TestStartBeforeAssignmentIs422(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1"
	res, data := doJSON(t, http.MethodPost, base+"/requests", "requester-1", map[string]any{
		"domain": "trip_ride",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", res.StatusCode, data)
	}
	var req RequestResponse
	decodeInto(t, data, &req)

	res, data = doJSON(t, http.MethodPost, base+"/requests/"+req.ID+"/start", "prov-1", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Errorf("code = %s, want invalid_transition", code)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1"

	res, data := doJSON(t, http.MethodPost, base+"/auth/dev/login", "", map[string]any{
		"actor_id": "requester-1",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status = %d, body %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	decodeInto(t, data, &login)
	if login.Token == "" {
		t.Fatal("empty token")
	}

	req, err := http.NewRequest(http.MethodGet, base+"/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", login.Token))
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("me: status = %d", res2.StatusCode)
	}
	var me MeResponse
	if err := json.NewDecoder(res2.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "requester-1" || me.Source != "jwt" {
		t.Errorf("me = %+v", me)
	}
}

func TestWebhookDispatcherStopsOnShutdown(t *testing.T) {
	d := &webhookDispatcher{
		client:  &http.Client{Timeout: time.Second},
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after shutdown")
	}
}

func TestAPIKeyAuthRecordsLastUsed(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1"

	res, data := doJSON(t, http.MethodPost, base+"/apikeys", "admin-1", map[string]any{
		"actor_id": "provider-9",
		"name":     "dispatch-board",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status = %d, body %s", res.StatusCode, data)
	}
	var created APIKeyResponse
	decodeInto(t, data, &created)
	if created.Key == "" {
		t.Fatal("raw key not returned at creation")
	}
	if created.LastUsedAt != nil {
		t.Fatal("fresh key should have no last_used_at")
	}

	req, err := http.NewRequest(http.MethodGet, base+"/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", created.Key)
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: status = %d", res2.StatusCode)
	}
	var me MeResponse
	if err := json.NewDecoder(res2.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "provider-9" || me.Source != "api_key" {
		t.Errorf("me = %+v", me)
	}

	res3, data3 := doJSON(t, http.MethodGet, base+"/apikeys?actor_id=provider-9", "admin-1", nil)
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("list keys: status = %d, body %s", res3.StatusCode, data3)
	}
	var keys []APIKeyResponse
	decodeInto(t, data3, &keys)
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}
	if keys[0].LastUsedAt == nil {
		t.Error("last_used_at not recorded after api key auth")
	}
	if keys[0].Key != "" {
		t.Error("raw key must not appear in listings")
	}
}
