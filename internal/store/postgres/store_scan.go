package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
)

func (s *Store) CreateScan(ctx context.Context, scan pkgmgr.SecurityScan) (pkgmgr.SecurityScan, error) {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	scan.CreatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO security_scans (
			id, package_id, critical_count, high_count, medium_count, low_count, info_count,
			security_score, raw_result, duration_ms, tool_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, scan.ID, scan.PackageID, scan.CriticalCount, scan.HighCount, scan.MediumCount, scan.LowCount, scan.InfoCount,
		scan.SecurityScore, scan.RawResult, scan.DurationMS, scan.ToolVersion, scan.CreatedAt)
	if err != nil {
		return pkgmgr.SecurityScan{}, err
	}
	return scan, nil
}

func scanScanRow(row interface{ Scan(...any) error }) (pkgmgr.SecurityScan, error) {
	var scan pkgmgr.SecurityScan
	if err := row.Scan(
		&scan.ID, &scan.PackageID, &scan.CriticalCount, &scan.HighCount, &scan.MediumCount, &scan.LowCount, &scan.InfoCount,
		&scan.SecurityScore, &scan.RawResult, &scan.DurationMS, &scan.ToolVersion, &scan.CreatedAt,
	); err != nil {
		return pkgmgr.SecurityScan{}, err
	}
	return scan, nil
}

const scanColumns = `
	id, package_id, critical_count, high_count, medium_count, low_count, info_count,
	security_score, raw_result, duration_ms, tool_version, created_at
`

func (s *Store) GetLatestScan(ctx context.Context, packageID string) (pkgmgr.SecurityScan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scanColumns+` FROM security_scans
		WHERE package_id = $1 ORDER BY created_at DESC LIMIT 1
	`, packageID)
	scan, err := scanScanRow(row)
	if err != nil {
		return pkgmgr.SecurityScan{}, mapErr(err)
	}
	return scan, nil
}

func (s *Store) ListScans(ctx context.Context, packageID string) ([]pkgmgr.SecurityScan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scanColumns+` FROM security_scans
		WHERE package_id = $1 ORDER BY created_at DESC
	`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.SecurityScan
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, scan)
	}
	return result, rows.Err()
}
