package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unimbecilee/esag-ged-sub000/internal/auth"
)

func issueTestToken(t *testing.T, userID, name string, admin bool) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Name:  name,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func newTestServer(ms *memStore) *HTTPServer {
	return NewHTTPServer(newTestService(ms), "*")
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	server := newTestServer(newMemStore())

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/documents"},
		{http.MethodPost, "/api/documents/doc-1/checkout"},
		{http.MethodPost, "/api/documents/doc-1/share"},
		{http.MethodDelete, "/api/shares/grt-1"},
	} {
		rr := doRequest(t, server, route.method, route.path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", route.method, route.path, rr.Code)
		}
	}
}

func TestGarbageTokenIsUnauthorized(t *testing.T) {
	server := newTestServer(newMemStore())

	rr := doRequest(t, server, http.MethodGet, "/api/documents", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutConflictResponse(t *testing.T) {
	ms := newMemStore()
	seedDocument(ms, "doc-1", "u0")
	server := newTestServer(ms)

	tokenA := issueTestToken(t, "u1", "Alice", false)
	tokenB := issueTestToken(t, "u2", "Bob", false)

	rr := doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout", tokenA, map[string]any{"durationHours": 24})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for first checkout, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout", tokenB, map[string]any{"durationHours": 24})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second checkout, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "CONFLICT" {
		t.Errorf("expected code CONFLICT, got %v", response["code"])
	}
	details, ok := response["details"].(map[string]any)
	if !ok || details["holderId"] != "u1" {
		t.Errorf("expected conflict details with holderId u1, got %v", response["details"])
	}
}

func TestCheckoutStatusProjection(t *testing.T) {
	ms := newMemStore()
	seedDocument(ms, "doc-1", "u0")
	server := newTestServer(ms)

	token := issueTestToken(t, "u1", "Alice", false)

	rr := doRequest(t, server, http.MethodGet, "/api/documents/doc-1/checkout/status", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["isCheckedOut"] != false {
		t.Errorf("expected isCheckedOut=false, got %v", response)
	}

	if rr := doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout", token, map[string]any{"durationHours": 8}); rr.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/documents/doc-1/checkout/status", token, nil)
	response = decodeResponse(t, rr)
	if response["isCheckedOut"] != true || response["isCurrentUser"] != true || response["holderId"] != "u1" {
		t.Errorf("unexpected status payload: %v", response)
	}
}

func TestShareAndRevokeFlow(t *testing.T) {
	ms := newMemStore()
	seedDocument(ms, "doc-1", "u0")
	server := newTestServer(ms)

	ownerToken := issueTestToken(t, "u0", "Owner", false)
	granteeToken := issueTestToken(t, "u1", "Alice", false)

	rr := doRequest(t, server, http.MethodPost, "/api/documents/doc-1/share", ownerToken, map[string]any{
		"targets":     []map[string]string{{"type": "user", "id": "u1"}},
		"permissions": []string{"read", "comment"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	grants, ok := response["grants"].([]any)
	if !ok || len(grants) != 1 {
		t.Fatalf("expected one grant, got %v", response)
	}
	grantID := grants[0].(map[string]any)["id"].(string)

	rr = doRequest(t, server, http.MethodGet, "/api/documents/doc-1/access?action=view", granteeToken, nil)
	response = decodeResponse(t, rr)
	if response["allowed"] != true {
		t.Errorf("expected view allowed after share, got %v", response)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/documents/doc-1/shares", ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 listing shares, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/shares/"+grantID, ownerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 revoking, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/documents/doc-1/access?action=view", granteeToken, nil)
	response = decodeResponse(t, rr)
	if response["allowed"] != false || response["reason"] != "INSUFFICIENT_PERMISSION" {
		t.Errorf("expected deny after revoke, got %v", response)
	}

	rr = doRequest(t, server, http.MethodDelete, "/api/shares/"+grantID, ownerToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 revoking twice, got %d", rr.Code)
	}
}

func TestForceCheckinRequiresAdminOverHTTP(t *testing.T) {
	ms := newMemStore()
	seedDocument(ms, "doc-1", "u0")
	server := newTestServer(ms)

	holderToken := issueTestToken(t, "u1", "Alice", false)
	userToken := issueTestToken(t, "u2", "Bob", false)
	adminToken := issueTestToken(t, "root", "Root", true)

	if rr := doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout", holderToken, map[string]any{"durationHours": 24}); rr.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", rr.Code)
	}

	rr := doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout/force-checkin", userToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/documents/doc-1/checkout/force-checkin", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestInternalStatusUpdateRequiresServiceToken(t *testing.T) {
	ms := newMemStore()
	seedDocument(ms, "doc-1", "u0")
	server := newTestServer(ms)

	body := map[string]any{"status": "approved"}
	encoded, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPut, "/api/internal/documents/doc-1/status", bytes.NewReader(encoded))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without service token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/internal/documents/doc-1/status", bytes.NewReader(encoded))
	req.Header.Set("x-ged-service-token", "test-service-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with service token, got %d: %s", rr.Code, rr.Body.String())
	}
	if ms.documents["doc-1"].Status != "approved" {
		t.Errorf("expected status approved, got %s", ms.documents["doc-1"].Status)
	}
}

func TestDocumentCreateAndGet(t *testing.T) {
	ms := newMemStore()
	server := newTestServer(ms)

	token := issueTestToken(t, "u0", "Owner", false)
	otherToken := issueTestToken(t, "u1", "Alice", false)

	rr := doRequest(t, server, http.MethodPost, "/api/documents", token, map[string]any{
		"title":       "Quarterly Report",
		"description": "Q2 figures",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	doc := response["document"].(map[string]any)
	documentID := doc["id"].(string)

	rr = doRequest(t, server, http.MethodGet, "/api/documents/"+documentID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response = decodeResponse(t, rr)
	if response["document"].(map[string]any)["title"] != "Quarterly Report" {
		t.Errorf("unexpected document payload: %v", response)
	}
	if response["checkout"].(map[string]any)["isCheckedOut"] != false {
		t.Errorf("expected no checkout, got %v", response["checkout"])
	}

	// No grant, not the owner.
	rr = doRequest(t, server, http.MethodGet, "/api/documents/"+documentID, otherToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for stranger, got %d", rr.Code)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server := newTestServer(newMemStore())
	token := issueTestToken(t, "u0", "Owner", false)

	rr := doRequest(t, server, http.MethodGet, "/api/nope", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}
