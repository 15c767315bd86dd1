package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/unimbecilee/esag-ged-sub000/internal/auth"
	"github.com/unimbecilee/esag-ged-sub000/internal/config"
	"github.com/unimbecilee/esag-ged-sub000/internal/lease"
	"github.com/unimbecilee/esag-ged-sub000/internal/metrics"
	"github.com/unimbecilee/esag-ged-sub000/internal/perm"
	"github.com/unimbecilee/esag-ged-sub000/internal/store"
	"github.com/unimbecilee/esag-ged-sub000/internal/util"
)

// Lease durations are bounded; anything outside is rejected up front.
const (
	minLeaseHours = 1
	maxLeaseHours = 168
)

var allowedDocumentStatuses = map[string]struct{}{
	"draft":     {},
	"in-review": {},
	"approved":  {},
	"rejected":  {},
	"archived":  {},
}

type ShareTarget struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type ShareInput struct {
	Targets     []ShareTarget `json:"targets"`
	Permissions []string      `json:"permissions"`
	ExpiresAt   *time.Time    `json:"expiresAt"`
	Comment     string        `json:"comment"`
}

// LeaseStatus is the read-only checkout projection. It never mutates state:
// an expired lease stays visible with IsExpired=true until it is cleared.
type LeaseStatus struct {
	IsCheckedOut  bool
	HolderID      string
	ExpiresAt     *time.Time
	IsExpired     bool
	IsCurrentUser bool
}

// Decision is the effective-permission answer every other feature gates on.
type Decision struct {
	Allowed bool
	Reason  string
	Details map[string]any
}

const (
	reasonOwner                  = "OWNER"
	reasonGrant                  = "GRANT"
	reasonInsufficientPermission = "INSUFFICIENT_PERMISSION"
	reasonDocumentLocked         = "DOCUMENT_LOCKED"
)

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	UpdateDocumentStatus(context.Context, string, string) (bool, error)
	InsertGrant(context.Context, store.Grant) error
	GetGrant(context.Context, string) (store.Grant, error)
	DeleteGrant(context.Context, string) (bool, error)
	ListActiveGrants(context.Context, string, time.Time) ([]store.Grant, error)
	ListGrantsByDocument(context.Context, string) ([]store.Grant, error)
	Ping(ctx context.Context) error
}

type leaseStore interface {
	TryCreateLease(ctx context.Context, documentID, holderID string, durationHours int, now time.Time) (store.Lease, bool, error)
	GetLease(ctx context.Context, documentID string) (*store.Lease, error)
	DeleteLease(ctx context.Context, documentID, expectedHolder string) (bool, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	leases leaseStore
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		leases: dataStore,
		now:    time.Now,
	}
}

func NewWithLeaseStore(cfg config.Config, dataStore *store.PostgresStore, leases *lease.RedisStore) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		leases: leases,
		now:    time.Now,
	}
}

func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.SeedOwnerID == "" {
		return nil
	}
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}
	return s.store.InsertDocument(ctx, store.Document{
		ID:          "doc-" + util.NewID("")[:10],
		OwnerID:     s.cfg.SeedOwnerID,
		OwnerName:   s.cfg.SeedOwnerName,
		Title:       "Welcome",
		Description: "Seed document created on first start.",
		Status:      "draft",
	})
}

func (s *Service) ServiceToken() string {
	return s.cfg.ServiceToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken turns a verified bearer token into the caller's
// principal. Roles, organizations and the admin flag come exclusively from
// the token claims, which the identity service resolved server-side.
func (s *Service) PrincipalFromToken(token string) (perm.Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return perm.Principal{}, err
	}
	return perm.Principal{
		ID:    claims.Subject,
		Name:  claims.Name,
		Roles: claims.Roles,
		Orgs:  claims.Orgs,
		Admin: claims.Admin,
	}, nil
}

// Checkout acquires the exclusive write lease on a document. An expired
// lease is reclaimed inside the store's atomic compare-and-set, so a stale
// checkout can never block the document forever.
func (s *Service) Checkout(ctx context.Context, documentID string, principal perm.Principal, durationHours int) (store.Lease, error) {
	if durationHours < minLeaseHours || durationHours > maxLeaseHours {
		return store.Lease{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("durationHours must be between %d and %d", minLeaseHours, maxLeaseHours), nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return store.Lease{}, err
	}

	held, created, err := s.leases.TryCreateLease(ctx, documentID, principal.ID, durationHours, s.now())
	if err != nil {
		return store.Lease{}, err
	}
	if !created {
		metrics.CheckoutTotal.WithLabelValues("conflict").Inc()
		return store.Lease{}, domainError(http.StatusConflict, "CONFLICT", "Document is checked out", map[string]any{
			"holderId":  held.HolderID,
			"expiresAt": held.ExpiresAt,
		})
	}
	metrics.CheckoutTotal.WithLabelValues("acquired").Inc()
	return held, nil
}

// Checkin releases the lease; only the current holder may do so. The delete
// is conditional on the holder in the store, so a concurrent reclaim cannot
// be clobbered between the read and the delete.
func (s *Service) Checkin(ctx context.Context, documentID string, principal perm.Principal) error {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	current, err := s.leases.GetLease(ctx, documentID)
	if err != nil {
		return err
	}
	if current == nil {
		return domainError(http.StatusNotFound, "NOT_LOCKED", "Document is not checked out", nil)
	}
	if current.HolderID != principal.ID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the checkout holder can check in", map[string]any{
			"holderId": current.HolderID,
		})
	}
	deleted, err := s.leases.DeleteLease(ctx, documentID, principal.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_LOCKED", "Document is not checked out", nil)
	}
	metrics.CheckinTotal.WithLabelValues("holder").Inc()
	return nil
}

// ForceCheckin clears the lease regardless of holder. Administrator only;
// meant for recovering documents abandoned by an unreachable holder.
func (s *Service) ForceCheckin(ctx context.Context, documentID string, principal perm.Principal) error {
	if !principal.Admin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Administrator privileges required", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	current, err := s.leases.GetLease(ctx, documentID)
	if err != nil {
		return err
	}
	if current == nil {
		return domainError(http.StatusNotFound, "NOT_LOCKED", "Document is not checked out", nil)
	}
	deleted, err := s.leases.DeleteLease(ctx, documentID, "")
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_LOCKED", "Document is not checked out", nil)
	}
	metrics.CheckinTotal.WithLabelValues("force").Inc()
	return nil
}

func (s *Service) LeaseStatus(ctx context.Context, documentID string, principal perm.Principal) (LeaseStatus, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return LeaseStatus{}, err
	}
	current, err := s.leases.GetLease(ctx, documentID)
	if err != nil {
		return LeaseStatus{}, err
	}
	if current == nil {
		return LeaseStatus{}, nil
	}
	expiresAt := current.ExpiresAt
	return LeaseStatus{
		IsCheckedOut:  true,
		HolderID:      current.HolderID,
		ExpiresAt:     &expiresAt,
		IsExpired:     current.Expired(s.now()),
		IsCurrentUser: current.HolderID == principal.ID,
	}, nil
}

// Share creates one independently revocable grant per target. A creator who
// is not the owner must hold reshare on the document, which keeps delegation
// from amplifying privileges.
func (s *Service) Share(ctx context.Context, documentID string, principal perm.Principal, input ShareInput) ([]store.Grant, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(input.Targets) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targets are required", nil)
	}
	if len(input.Permissions) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissions are required", nil)
	}
	for _, permission := range input.Permissions {
		if !perm.Valid(permission) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown permission: "+permission, nil)
		}
	}
	for _, target := range input.Targets {
		if !perm.ValidTarget(target.Type) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown target type: "+target.Type, nil)
		}
		if strings.TrimSpace(target.ID) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "target id is required", nil)
		}
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(s.now()) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "expiresAt must be in the future", nil)
	}

	if doc.OwnerID != principal.ID {
		granted, err := s.grantedPermissions(ctx, documentID, principal)
		if err != nil {
			return nil, err
		}
		if !granted.Has(perm.Reshare) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Resharing requires the reshare permission", nil)
		}
	}

	now := s.now()
	grants := make([]store.Grant, 0, len(input.Targets))
	for _, target := range input.Targets {
		grant := store.Grant{
			ID:          util.NewID("grt"),
			DocumentID:  documentID,
			TargetType:  target.Type,
			TargetID:    strings.TrimSpace(target.ID),
			Permissions: perm.NewSet(input.Permissions...).List(),
			CreatedBy:   principal.ID,
			CreatedAt:   now,
			ExpiresAt:   input.ExpiresAt,
			Comment:     strings.TrimSpace(input.Comment),
		}
		if err := s.store.InsertGrant(ctx, grant); err != nil {
			return nil, err
		}
		metrics.GrantTotal.WithLabelValues("share").Inc()
		grants = append(grants, grant)
	}
	return grants, nil
}

// Revoke deletes a grant immediately and permanently. Owner, grant creator
// or administrator only; revoking an unknown grant is NOT_FOUND rather than
// a silent success.
func (s *Service) Revoke(ctx context.Context, grantID string, principal perm.Principal) error {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, grant.DocumentID)
	if err != nil {
		return err
	}
	if principal.ID != doc.OwnerID && principal.ID != grant.CreatedBy && !principal.Admin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner, grant creator or an administrator can revoke", nil)
	}
	deleted, err := s.store.DeleteGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Grant not found", nil)
	}
	metrics.GrantTotal.WithLabelValues("revoke").Inc()
	return nil
}

// ListShares returns the non-expired grants on a document. Expired grants
// stay stored for auditability but never appear here.
func (s *Service) ListShares(ctx context.Context, documentID string, principal perm.Principal) ([]store.Grant, error) {
	decision, err := s.Evaluate(ctx, documentID, principal, perm.ActionView)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, denyError(decision)
	}
	return s.store.ListActiveGrants(ctx, documentID, s.now())
}

// Evaluate is the single effective-permission decision for a
// (principal, document, action) triple. Every other feature calls this
// before acting and surfaces the deny reason unchanged.
func (s *Service) Evaluate(ctx context.Context, documentID string, principal perm.Principal, action perm.Action) (Decision, error) {
	required, ok := perm.Required(action)
	if !ok {
		return Decision{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown action: "+string(action), nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return Decision{}, err
	}
	if doc.OwnerID == principal.ID {
		return Decision{Allowed: true, Reason: reasonOwner}, nil
	}

	granted, err := s.grantedPermissions(ctx, documentID, principal)
	if err != nil {
		return Decision{}, err
	}
	if !granted.Has(required) {
		metrics.AccessDeniedTotal.WithLabelValues(reasonInsufficientPermission).Inc()
		return Decision{
			Allowed: false,
			Reason:  reasonInsufficientPermission,
			Details: map[string]any{"required": string(required)},
		}, nil
	}

	// A live lease held by someone else gates modify only; read, download,
	// comment and reshare are unaffected by checkout state.
	if action == perm.ActionEdit {
		current, err := s.leases.GetLease(ctx, documentID)
		if err != nil {
			return Decision{}, err
		}
		if current != nil && !current.Expired(s.now()) && current.HolderID != principal.ID {
			metrics.AccessDeniedTotal.WithLabelValues(reasonDocumentLocked).Inc()
			return Decision{
				Allowed: false,
				Reason:  reasonDocumentLocked,
				Details: map[string]any{
					"holderId":  current.HolderID,
					"expiresAt": current.ExpiresAt,
				},
			}, nil
		}
	}
	return Decision{Allowed: true, Reason: reasonGrant}, nil
}

// grantedPermissions unions the permission sets of all non-expired grants
// whose target matches the principal directly, by role or by organization.
func (s *Service) grantedPermissions(ctx context.Context, documentID string, principal perm.Principal) (perm.Set, error) {
	grants, err := s.store.ListActiveGrants(ctx, documentID, s.now())
	if err != nil {
		return nil, err
	}
	granted := perm.NewSet()
	for _, grant := range grants {
		if perm.TargetMatches(grant.TargetType, grant.TargetID, principal) {
			granted.Add(grant.Permissions)
		}
	}
	return granted, nil
}

func (s *Service) CreateDocument(ctx context.Context, principal perm.Principal, title, description string) (store.Document, error) {
	documentTitle := strings.TrimSpace(title)
	if documentTitle == "" {
		documentTitle = "Untitled Document"
	}
	doc := store.Document{
		ID:          "doc-" + util.NewID("")[:10],
		OwnerID:     principal.ID,
		OwnerName:   principal.Name,
		Title:       documentTitle,
		Description: strings.TrimSpace(description),
		Status:      "draft",
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string, principal perm.Principal) (store.Document, LeaseStatus, error) {
	decision, err := s.Evaluate(ctx, documentID, principal, perm.ActionView)
	if err != nil {
		return store.Document{}, LeaseStatus{}, err
	}
	if !decision.Allowed {
		return store.Document{}, LeaseStatus{}, denyError(decision)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, LeaseStatus{}, err
	}
	status, err := s.LeaseStatus(ctx, documentID, principal)
	if err != nil {
		return store.Document{}, LeaseStatus{}, err
	}
	return doc, status, nil
}

// ListDocuments returns the documents the principal owns or can read
// through a grant.
func (s *Service) ListDocuments(ctx context.Context, principal perm.Principal) ([]store.Document, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]store.Document, 0, len(documents))
	for _, doc := range documents {
		if doc.OwnerID == principal.ID {
			visible = append(visible, doc)
			continue
		}
		granted, err := s.grantedPermissions(ctx, doc.ID, principal)
		if err != nil {
			return nil, err
		}
		if granted.Has(perm.Read) {
			visible = append(visible, doc)
		}
	}
	return visible, nil
}

// SetDocumentStatus records the lifecycle status decided by the external
// workflow component. The access-control core only ever reads it.
func (s *Service) SetDocumentStatus(ctx context.Context, documentID, status string) error {
	if _, ok := allowedDocumentStatuses[status]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown document status: "+status, nil)
	}
	updated, err := s.store.UpdateDocumentStatus(ctx, documentID, status)
	if err != nil {
		return err
	}
	if !updated {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	return nil
}

func denyError(decision Decision) error {
	return domainError(http.StatusForbidden, decision.Reason, "Forbidden", decision.Details)
}
