package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
)

func (s *Store) ListSupportedLicenses(ctx context.Context) ([]pkgmgr.SupportedLicense, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, identifier, tier FROM supported_licenses ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pkgmgr.SupportedLicense
	for rows.Next() {
		var lic pkgmgr.SupportedLicense
		if err := rows.Scan(&lic.ID, &lic.Identifier, &lic.Tier); err != nil {
			return nil, err
		}
		result = append(result, lic)
	}
	return result, rows.Err()
}

func (s *Store) UpsertSupportedLicense(ctx context.Context, lic pkgmgr.SupportedLicense) (pkgmgr.SupportedLicense, error) {
	if lic.ID == "" {
		lic.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO supported_licenses (id, identifier, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET tier = EXCLUDED.tier
	`, lic.ID, lic.Identifier, lic.Tier)
	if err != nil {
		return pkgmgr.SupportedLicense{}, err
	}
	return lic, nil
}
