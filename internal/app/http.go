package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/unimbecilee/esag-ged-sub000/internal/auth"
	"github.com/unimbecilee/esag-ged-sub000/internal/metrics"
	"github.com/unimbecilee/esag-ged-sub000/internal/perm"
	"github.com/unimbecilee/esag-ged-sub000/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// Status updates come from the workflow service, authenticated by a
	// shared service token rather than a user session.
	if r.Method == http.MethodPut && len(parts) == 5 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "documents" && parts[4] == "status" {
		serviceToken := strings.TrimSpace(r.Header.Get("x-ged-service-token"))
		if serviceToken == "" || serviceToken != s.service.ServiceToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetDocumentStatus(r.Context(), parts[3], strings.TrimSpace(body.Status)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		items, err := s.service.ListDocuments(r.Context(), principal)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), principal, body.Title, body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(doc)})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "shares" && r.Method == http.MethodDelete {
		if err := s.service.Revoke(r.Context(), parts[2], principal); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, principal, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, principal perm.Principal, documentID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		doc, leaseStatus, err := s.service.GetDocument(r.Context(), documentID, principal)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document": documentPayload(doc),
			"checkout": leaseStatusPayload(leaseStatus),
		})
		return
	}

	if len(parts) == 4 && parts[3] == "checkout" && r.Method == http.MethodPost {
		var body struct {
			DurationHours int `json:"durationHours"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lease, err := s.service.Checkout(r.Context(), documentID, principal, body.DurationHours)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkout": leasePayload(lease)})
		return
	}

	if len(parts) == 4 && parts[3] == "checkin" && r.Method == http.MethodPost {
		if err := s.service.Checkin(r.Context(), documentID, principal); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 5 && parts[3] == "checkout" && parts[4] == "force-checkin" && r.Method == http.MethodPost {
		if err := s.service.ForceCheckin(r.Context(), documentID, principal); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 5 && parts[3] == "checkout" && parts[4] == "status" && r.Method == http.MethodGet {
		leaseStatus, err := s.service.LeaseStatus(r.Context(), documentID, principal)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, leaseStatusPayload(leaseStatus))
		return
	}

	if len(parts) == 4 && parts[3] == "share" && r.Method == http.MethodPost {
		var body ShareInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		grants, err := s.service.Share(r.Context(), documentID, principal, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grantPayloads(grants)})
		return
	}

	if len(parts) == 4 && parts[3] == "shares" && r.Method == http.MethodGet {
		grants, err := s.service.ListShares(r.Context(), documentID, principal)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grantPayloads(grants)})
		return
	}

	if len(parts) == 4 && parts[3] == "access" && r.Method == http.MethodGet {
		action := perm.Action(strings.TrimSpace(r.URL.Query().Get("action")))
		decision, err := s.service.Evaluate(r.Context(), documentID, principal, action)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payload := map[string]any{"allowed": decision.Allowed, "reason": decision.Reason}
		if decision.Details != nil {
			payload["details"] = decision.Details
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (perm.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return perm.Principal{}, false
	}
	principal, err := s.service.PrincipalFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return perm.Principal{}, false
	}
	return principal, true
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"ownerId":     doc.OwnerID,
		"ownerName":   doc.OwnerName,
		"title":       doc.Title,
		"description": doc.Description,
		"status":      doc.Status,
		"createdAt":   doc.CreatedAt,
		"updatedAt":   doc.UpdatedAt,
	}
}

func leasePayload(lease store.Lease) map[string]any {
	return map[string]any{
		"documentId":    lease.DocumentID,
		"holderId":      lease.HolderID,
		"durationHours": lease.DurationHours,
		"createdAt":     lease.CreatedAt,
		"expiresAt":     lease.ExpiresAt,
	}
}

func leaseStatusPayload(status LeaseStatus) map[string]any {
	payload := map[string]any{
		"isCheckedOut":  status.IsCheckedOut,
		"isExpired":     status.IsExpired,
		"isCurrentUser": status.IsCurrentUser,
	}
	if status.IsCheckedOut {
		payload["holderId"] = status.HolderID
		payload["expiresAt"] = status.ExpiresAt
	}
	return payload
}

func grantPayloads(grants []store.Grant) []map[string]any {
	items := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		item := map[string]any{
			"id":          grant.ID,
			"documentId":  grant.DocumentID,
			"targetType":  grant.TargetType,
			"targetId":    grant.TargetID,
			"permissions": grant.Permissions,
			"createdBy":   grant.CreatedBy,
			"createdAt":   grant.CreatedAt,
		}
		if grant.ExpiresAt != nil {
			item["expiresAt"] = grant.ExpiresAt
		}
		if grant.Comment != "" {
			item["comment"] = grant.Comment
		}
		items = append(items, item)
	}
	return items
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
