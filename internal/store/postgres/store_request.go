package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

func (s *Store) CreateRequest(ctx context.Context, req pkgmgr.Request) (pkgmgr.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO requests (id, submitted_by, filename, raw_manifest, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.SubmittedBy, req.Filename, req.RawManifest, req.CreatedAt)
	if err != nil {
		return pkgmgr.Request{}, err
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (pkgmgr.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, submitted_by, filename, raw_manifest, created_at
		FROM requests WHERE id = $1
	`, id)
	var req pkgmgr.Request
	if err := row.Scan(&req.ID, &req.SubmittedBy, &req.Filename, &req.RawManifest, &req.CreatedAt); err != nil {
		return pkgmgr.Request{}, mapErr(err)
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]pkgmgr.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submitted_by, filename, raw_manifest, created_at
		FROM requests ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.Request
	for rows.Next() {
		var req pkgmgr.Request
		if err := rows.Scan(&req.ID, &req.SubmittedBy, &req.Filename, &req.RawManifest, &req.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// LinkPackage creates a RequestPackage link, unless it already exists (in
// which case ErrAlreadyLinked is returned and the manifest submission
// handler treats that as a no-op).
func (s *Store) LinkPackage(ctx context.Context, link pkgmgr.RequestPackage) (pkgmgr.RequestPackage, error) {
	link.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO request_packages (request_id, package_id, package_type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, package_id) DO NOTHING
	`, link.RequestID, link.PackageID, link.PackageType, link.CreatedAt)
	if err != nil {
		return pkgmgr.RequestPackage{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT package_type, created_at FROM request_packages
		WHERE request_id = $1 AND package_id = $2
	`, link.RequestID, link.PackageID)
	var existingType pkgmgr.PackageType
	var createdAt time.Time
	if err := row.Scan(&existingType, &createdAt); err != nil {
		return pkgmgr.RequestPackage{}, mapErr(err)
	}
	if existingType != link.PackageType || !createdAt.Equal(link.CreatedAt) {
		// Row pre-existed under a different submission.
		link.PackageType = existingType
		link.CreatedAt = createdAt
		return link, store.ErrAlreadyLinked
	}
	return link, nil
}

func (s *Store) ListRequestPackages(ctx context.Context, requestID string) ([]pkgmgr.RequestPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, package_id, package_type, created_at
		FROM request_packages WHERE request_id = $1
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.RequestPackage
	for rows.Next() {
		var link pkgmgr.RequestPackage
		if err := rows.Scan(&link.RequestID, &link.PackageID, &link.PackageType, &link.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

func (s *Store) ListPackagesForRequest(ctx context.Context, requestID string) ([]pkgmgr.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.version, p.url, p.integrity, p.licence_identifier, p.created_at
		FROM packages p
		JOIN request_packages rp ON rp.package_id = p.id
		WHERE rp.request_id = $1
		ORDER BY p.created_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.Package
	for rows.Next() {
		var pkg pkgmgr.Package
		if err := rows.Scan(&pkg.ID, &pkg.Name, &pkg.Version, &pkg.URL, &pkg.Integrity, &pkg.LicenceIdentifier, &pkg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, pkg)
	}
	return result, rows.Err()
}
