package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
)

// auditRow mirrors the audit_log table for sqlx.StructScan on the read path.
type auditRow struct {
	ID          string    `db:"id"`
	PrincipalID string    `db:"principal_id"`
	Action      string    `db:"action"`
	EntityType  string    `db:"entity_type"`
	EntityID    string    `db:"entity_id"`
	Details     []byte    `db:"details"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r auditRow) toDomain() (pkgmgr.AuditLog, error) {
	entry := pkgmgr.AuditLog{
		ID:          r.ID,
		PrincipalID: r.PrincipalID,
		Action:      r.Action,
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &entry.Details); err != nil {
			return pkgmgr.AuditLog{}, err
		}
	}
	return entry, nil
}

func (s *Store) RecordAudit(ctx context.Context, entry pkgmgr.AuditLog) (pkgmgr.AuditLog, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return pkgmgr.AuditLog{}, err
	}

	_, err = s.exec(ctx, `
		INSERT INTO audit_log (id, principal_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.PrincipalID, entry.Action, entry.EntityType, entry.EntityID, detailsJSON, entry.CreatedAt)
	if err != nil {
		return pkgmgr.AuditLog{}, err
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]pkgmgr.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.sqx.SelectContext(ctx, &rows, `
		SELECT id, principal_id, action, entity_type, entity_id, details, created_at
		FROM audit_log
		WHERE ($1 = '' OR entity_type = $1) AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]pkgmgr.AuditLog, 0, len(rows))
	for _, r := range rows {
		entry, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, nil
}
