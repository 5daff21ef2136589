package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

func (s *Store) FindPackage(ctx context.Context, name, version string) (pkgmgr.Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, url, integrity, licence_identifier, created_at
		FROM packages WHERE name = $1 AND version = $2
	`, name, version)
	var pkg pkgmgr.Package
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Version, &pkg.URL, &pkg.Integrity, &pkg.LicenceIdentifier, &pkg.CreatedAt); err != nil {
		return pkgmgr.Package{}, mapErr(err)
	}
	return pkg, nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (pkgmgr.Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, url, integrity, licence_identifier, created_at
		FROM packages WHERE id = $1
	`, id)
	var pkg pkgmgr.Package
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Version, &pkg.URL, &pkg.Integrity, &pkg.LicenceIdentifier, &pkg.CreatedAt); err != nil {
		return pkgmgr.Package{}, mapErr(err)
	}
	return pkg, nil
}

// CreatePackageWithStatus inserts a new Package row and its initial
// PackageStatus at StatusCheckingLicence within a single transaction, so a
// reader never observes a Package without a PackageStatus.
func (s *Store) CreatePackageWithStatus(ctx context.Context, pkg pkgmgr.Package) (pkgmgr.Package, error) {
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	pkg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgmgr.Package{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (id, name, version, url, integrity, licence_identifier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pkg.ID, pkg.Name, pkg.Version, pkg.URL, pkg.Integrity, pkg.LicenceIdentifier, pkg.CreatedAt)
	if err != nil {
		return pkgmgr.Package{}, err
	}

	now := pkg.CreatedAt
	_, err = tx.ExecContext(ctx, `
		INSERT INTO package_statuses (package_id, status, licence_score, licence_tier, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $4)
	`, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.TierUnknown, now)
	if err != nil {
		return pkgmgr.Package{}, err
	}

	if err := tx.Commit(); err != nil {
		return pkgmgr.Package{}, err
	}
	return pkg, nil
}

func scanPackageStatus(row interface{ Scan(...any) error }) (pkgmgr.PackageStatus, error) {
	var (
		ps            pkgmgr.PackageStatus
		licenceErrors pq.StringArray
		approverID    sql.NullString
		rejectorID    sql.NullString
		rejectReason  sql.NullString
		cachePath     sql.NullString
		checksum      sql.NullString
		publishedAt   sql.NullTime
	)
	if err := row.Scan(
		&ps.PackageID, &ps.Status, &ps.LicenceScore, &ps.LicenceTier, &licenceErrors,
		&cachePath, &ps.FileSize, &checksum,
		&approverID, &rejectorID, &rejectReason,
		&publishedAt, &ps.CreatedAt, &ps.UpdatedAt,
	); err != nil {
		return pkgmgr.PackageStatus{}, err
	}
	ps.LicenceErrors = []string(licenceErrors)
	ps.ApproverID = approverID.String
	ps.RejectorID = rejectorID.String
	ps.RejectReason = rejectReason.String
	ps.CachePath = cachePath.String
	ps.Checksum = checksum.String
	ps.PublishedAt = fromNullTime(publishedAt)
	return ps, nil
}

const packageStatusColumns = `
	package_id, status, licence_score, licence_tier, licence_errors,
	cache_path, file_size, checksum,
	approver_id, rejector_id, reject_reason,
	published_at, created_at, updated_at
`

func (s *Store) GetPackageStatus(ctx context.Context, packageID string) (pkgmgr.PackageStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packageStatusColumns+` FROM package_statuses WHERE package_id = $1`, packageID)
	ps, err := scanPackageStatus(row)
	if err != nil {
		return pkgmgr.PackageStatus{}, mapErr(err)
	}
	return ps, nil
}

// ClaimBatch is the claim phase: a short, read-only selection of up to limit
// rows currently at status. It does not lock or mutate rows; forward
// progress is still guarded by CommitTransition's compare-and-set, so a
// worker racing another claimer on the same row just loses the commit.
func (s *Store) ClaimBatch(ctx context.Context, status pkgmgr.Status, limit int) ([]pkgmgr.PackageStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageStatusColumns+`
		FROM package_statuses
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.PackageStatus
	for rows.Next() {
		ps, err := scanPackageStatus(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	return result, rows.Err()
}

// CommitTransition is the compare-and-set commit phase of the three-phase
// worker protocol: it re-reads the row, applies mutate to the in-memory
// value, and only persists if status still equals from. A mismatch is
// reported as store.ErrConflict and logged by the caller at debug, never
// treated as an error worth surfacing loudly.
func (s *Store) CommitTransition(ctx context.Context, packageID string, from, to pkgmgr.Status, mutate func(*pkgmgr.PackageStatus)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+packageStatusColumns+` FROM package_statuses WHERE package_id = $1 FOR UPDATE`, packageID)
	ps, err := scanPackageStatus(row)
	if err != nil {
		return mapErr(err)
	}
	if ps.Status != from {
		return store.ErrConflict
	}
	if !from.CanTransition(to) {
		return store.ErrInvalidTransition
	}

	ps.Status = to
	ps.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&ps)
	}
	// mutate must not be allowed to override the transition itself.
	ps.Status = to
	ps.PackageID = packageID

	result, err := tx.ExecContext(ctx, `
		UPDATE package_statuses SET
			status = $2, licence_score = $3, licence_tier = $4, licence_errors = $5,
			cache_path = $6, file_size = $7, checksum = $8,
			approver_id = $9, rejector_id = $10, reject_reason = $11,
			published_at = $12, updated_at = $13
		WHERE package_id = $1 AND status = $14
	`, packageID, ps.Status, ps.LicenceScore, ps.LicenceTier, pq.StringArray(ps.LicenceErrors),
		nullableString(ps.CachePath), ps.FileSize, nullableString(ps.Checksum),
		nullableString(ps.ApproverID), nullableString(ps.RejectorID), nullableString(ps.RejectReason),
		toNullTime(ps.PublishedAt), ps.UpdatedAt, from)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return tx.Commit()
}

func nullableString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// ListStuck returns in-flight PackageStatus rows whose updated_at predates
// olderThan, for the Supervisor's recovery sweep.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]pkgmgr.PackageStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageStatusColumns+`
		FROM package_statuses
		WHERE status = ANY($1) AND updated_at < $2
	`, pq.StringArray([]string{
		string(pkgmgr.StatusCheckingLicence),
		string(pkgmgr.StatusDownloading),
		string(pkgmgr.StatusSecurityScanning),
		string(pkgmgr.StatusPublishing),
	}), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.PackageStatus
	for rows.Next() {
		ps, err := scanPackageStatus(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	return result, rows.Err()
}

// CountByStatus implements the Request Aggregator's grouped count query.
func (s *Store) CountByStatus(ctx context.Context, requestID string) (map[pkgmgr.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps.status, count(*)
		FROM package_statuses ps
		JOIN request_packages rp ON rp.package_id = ps.package_id
		WHERE rp.request_id = $1
		GROUP BY ps.status
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[pkgmgr.Status]int)
	for rows.Next() {
		var status pkgmgr.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
