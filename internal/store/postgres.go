package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, owner_name, title, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.OwnerName, item.Title, item.Description, item.Status)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_name, title, description, status, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.OwnerID, &item.OwnerName, &item.Title, &item.Description, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, owner_name, title, description, status, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.OwnerName, &item.Title, &item.Description, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status=$2, updated_at=NOW() WHERE id=$1
	`, documentID, status)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document status rows: %w", err)
	}
	return affected > 0, nil
}

// TryCreateLease is the single atomic compare-and-set behind Checkout. The
// insert succeeds when no lease row exists; when one exists it is replaced
// only if it already expired relative to the caller's clock, all inside one
// statement so N concurrent attempts yield exactly one winner. Returns the
// winning lease and true, or the currently held lease and false.
func (s *PostgresStore) TryCreateLease(ctx context.Context, documentID, holderID string, durationHours int, now time.Time) (Lease, bool, error) {
	expiresAt := now.Add(time.Duration(durationHours) * time.Hour)

	// A losing upsert followed by a checkin from the winner can leave a
	// narrow window where no row exists; retry the whole CAS rather than
	// surfacing that race.
	for attempt := 0; attempt < 3; attempt++ {
		var lease Lease
		lease.DocumentID = documentID
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO document_leases (document_id, holder_id, duration_hours, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id) DO UPDATE
			SET holder_id = EXCLUDED.holder_id,
			    duration_hours = EXCLUDED.duration_hours,
			    created_at = EXCLUDED.created_at,
			    expires_at = EXCLUDED.expires_at
			WHERE document_leases.expires_at <= EXCLUDED.created_at
			RETURNING holder_id, duration_hours, created_at, expires_at
		`, documentID, holderID, durationHours, now, expiresAt).Scan(&lease.HolderID, &lease.DurationHours, &lease.CreatedAt, &lease.ExpiresAt)
		if err == nil {
			return lease, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, fmt.Errorf("try create lease: %w", err)
		}

		current, err := s.GetLease(ctx, documentID)
		if err != nil {
			return Lease{}, false, err
		}
		if current != nil {
			return *current, false, nil
		}
	}
	return Lease{}, false, fmt.Errorf("try create lease: contention on document %s", documentID)
}

func (s *PostgresStore) GetLease(ctx context.Context, documentID string) (*Lease, error) {
	var lease Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, holder_id, duration_hours, created_at, expires_at
		FROM document_leases
		WHERE document_id=$1
	`, documentID).Scan(&lease.DocumentID, &lease.HolderID, &lease.DurationHours, &lease.CreatedAt, &lease.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return &lease, nil
}

// DeleteLease removes the lease conditionally: an empty expectedHolder
// forces the delete, otherwise the stored holder must match.
func (s *PostgresStore) DeleteLease(ctx context.Context, documentID, expectedHolder string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_leases
		WHERE document_id=$1 AND ($2 = '' OR holder_id = $2)
	`, documentID, expectedHolder)
	if err != nil {
		return false, fmt.Errorf("delete lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lease rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertGrant(ctx context.Context, grant Grant) error {
	encodedPermissions, err := json.Marshal(grant.Permissions)
	if err != nil {
		return fmt.Errorf("marshal grant permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_grants (id, document_id, target_type, target_id, permissions, created_by, created_at, expires_at, comment)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, grant.ID, grant.DocumentID, grant.TargetType, grant.TargetID, string(encodedPermissions), grant.CreatedBy, grant.CreatedAt, grant.ExpiresAt, grant.Comment)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, grantID string) (Grant, error) {
	var grant Grant
	var permissionsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, target_type, target_id, permissions, created_by, created_at, expires_at, COALESCE(comment, '')
		FROM document_grants
		WHERE id=$1
	`, grantID).Scan(&grant.ID, &grant.DocumentID, &grant.TargetType, &grant.TargetID, &permissionsRaw, &grant.CreatedBy, &grant.CreatedAt, &grant.ExpiresAt, &grant.Comment)
	if err != nil {
		return Grant{}, err
	}
	if err := json.Unmarshal(permissionsRaw, &grant.Permissions); err != nil {
		return Grant{}, fmt.Errorf("unmarshal grant permissions: %w", err)
	}
	return grant, nil
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, grantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_grants WHERE id=$1`, grantID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant rows: %w", err)
	}
	return affected > 0, nil
}

// ListActiveGrants returns grants whose expiry is unset or in the future.
// Expired grants stay in the table for auditability; they are only ever
// filtered out of this projection.
func (s *PostgresStore) ListActiveGrants(ctx context.Context, documentID string, now time.Time) ([]Grant, error) {
	return s.listGrants(ctx, `
		SELECT id, document_id, target_type, target_id, permissions, created_by, created_at, expires_at, COALESCE(comment, '')
		FROM document_grants
		WHERE document_id=$1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at ASC
	`, documentID, now)
}

func (s *PostgresStore) ListGrantsByDocument(ctx context.Context, documentID string) ([]Grant, error) {
	return s.listGrants(ctx, `
		SELECT id, document_id, target_type, target_id, permissions, created_by, created_at, expires_at, COALESCE(comment, '')
		FROM document_grants
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
}

func (s *PostgresStore) listGrants(ctx context.Context, query string, args ...any) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	items := make([]Grant, 0)
	for rows.Next() {
		var grant Grant
		var permissionsRaw []byte
		if err := rows.Scan(
			&grant.ID,
			&grant.DocumentID,
			&grant.TargetType,
			&grant.TargetID,
			&permissionsRaw,
			&grant.CreatedBy,
			&grant.CreatedAt,
			&grant.ExpiresAt,
			&grant.Comment,
		); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if err := json.Unmarshal(permissionsRaw, &grant.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal grant permissions: %w", err)
		}
		items = append(items, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
