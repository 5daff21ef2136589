// Package memory is an in-process Store implementation backed by plain maps
// under a single mutex. It exists for unit tests that exercise workers and
// handlers without a Postgres fixture; it honors the same CAS and ordering
// contracts as internal/store/postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// Store is a goroutine-safe, in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	requests        map[string]pkgmgr.Request
	packages        map[string]pkgmgr.Package
	packagesByKey   map[string]string // name@version -> package id
	statuses        map[string]pkgmgr.PackageStatus
	links           map[string]pkgmgr.RequestPackage // requestID|packageID -> link
	scans           map[string][]pkgmgr.SecurityScan
	licenses        map[string]pkgmgr.SupportedLicense
	audit           []pkgmgr.AuditLog
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		requests:      make(map[string]pkgmgr.Request),
		packages:      make(map[string]pkgmgr.Package),
		packagesByKey: make(map[string]string),
		statuses:      make(map[string]pkgmgr.PackageStatus),
		links:         make(map[string]pkgmgr.RequestPackage),
		scans:         make(map[string][]pkgmgr.SecurityScan),
		licenses:      make(map[string]pkgmgr.SupportedLicense),
	}
}

var _ store.Store = (*Store)(nil)

func linkKey(requestID, packageID string) string { return requestID + "|" + packageID }

func (s *Store) CreateRequest(ctx context.Context, req pkgmgr.Request) (pkgmgr.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now().UTC()
	s.requests[req.ID] = req
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (pkgmgr.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return pkgmgr.Request{}, store.ErrNotFound
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]pkgmgr.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]pkgmgr.Request, 0, len(s.requests))
	for _, req := range s.requests {
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) LinkPackage(ctx context.Context, link pkgmgr.RequestPackage) (pkgmgr.RequestPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(link.RequestID, link.PackageID)
	if existing, ok := s.links[key]; ok {
		return existing, store.ErrAlreadyLinked
	}
	link.CreatedAt = time.Now().UTC()
	s.links[key] = link
	return link, nil
}

func (s *Store) ListRequestPackages(ctx context.Context, requestID string) ([]pkgmgr.RequestPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []pkgmgr.RequestPackage
	for _, link := range s.links {
		if link.RequestID == requestID {
			result = append(result, link)
		}
	}
	return result, nil
}

func (s *Store) ListPackagesForRequest(ctx context.Context, requestID string) ([]pkgmgr.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []pkgmgr.Package
	for _, link := range s.links {
		if link.RequestID != requestID {
			continue
		}
		if pkg, ok := s.packages[link.PackageID]; ok {
			result = append(result, pkg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) FindPackage(ctx context.Context, name, version string) (pkgmgr.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.packagesByKey[name+"@"+version]
	if !ok {
		return pkgmgr.Package{}, store.ErrNotFound
	}
	return s.packages[id], nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (pkgmgr.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.packages[id]
	if !ok {
		return pkgmgr.Package{}, store.ErrNotFound
	}
	return pkg, nil
}

func (s *Store) CreatePackageWithStatus(ctx context.Context, pkg pkgmgr.Package) (pkgmgr.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	}
	pkg.CreatedAt = time.Now().UTC()
	s.packages[pkg.ID] = pkg
	s.packagesByKey[pkg.Key()] = pkg.ID
	s.statuses[pkg.ID] = pkgmgr.PackageStatus{
		PackageID:   pkg.ID,
		Status:      pkgmgr.StatusCheckingLicence,
		LicenceTier: pkgmgr.TierUnknown,
		CreatedAt:   pkg.CreatedAt,
		UpdatedAt:   pkg.CreatedAt,
	}
	return pkg, nil
}

func (s *Store) GetPackageStatus(ctx context.Context, packageID string) (pkgmgr.PackageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.statuses[packageID]
	if !ok {
		return pkgmgr.PackageStatus{}, store.ErrNotFound
	}
	return ps, nil
}

func (s *Store) ClaimBatch(ctx context.Context, status pkgmgr.Status, limit int) ([]pkgmgr.PackageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []pkgmgr.PackageStatus
	for _, ps := range s.statuses {
		if ps.Status == status {
			result = append(result, ps)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CommitTransition(ctx context.Context, packageID string, from, to pkgmgr.Status, mutate func(*pkgmgr.PackageStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.statuses[packageID]
	if !ok {
		return store.ErrNotFound
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
	ps.Status = to
	ps.PackageID = packageID
	s.statuses[packageID] = ps
	return nil
}

func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]pkgmgr.PackageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []pkgmgr.PackageStatus
	for _, ps := range s.statuses {
		if ps.Status.InFlight() && ps.UpdatedAt.Before(olderThan) {
			result = append(result, ps)
		}
	}
	return result, nil
}

func (s *Store) CountByStatus(ctx context.Context, requestID string) (map[pkgmgr.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[pkgmgr.Status]int)
	for _, link := range s.links {
		if link.RequestID != requestID {
			continue
		}
		if ps, ok := s.statuses[link.PackageID]; ok {
			counts[ps.Status]++
		}
	}
	return counts, nil
}

func (s *Store) CreateScan(ctx context.Context, scan pkgmgr.SecurityScan) (pkgmgr.SecurityScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	scan.CreatedAt = time.Now().UTC()
	s.scans[scan.PackageID] = append(s.scans[scan.PackageID], scan)
	return scan, nil
}

func (s *Store) GetLatestScan(ctx context.Context, packageID string) (pkgmgr.SecurityScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scans := s.scans[packageID]
	if len(scans) == 0 {
		return pkgmgr.SecurityScan{}, store.ErrNotFound
	}
	latest := scans[0]
	for _, sc := range scans[1:] {
		if sc.CreatedAt.After(latest.CreatedAt) {
			latest = sc
		}
	}
	return latest, nil
}

func (s *Store) ListScans(ctx context.Context, packageID string) ([]pkgmgr.SecurityScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := append([]pkgmgr.SecurityScan(nil), s.scans[packageID]...)
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListSupportedLicenses(ctx context.Context) ([]pkgmgr.SupportedLicense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]pkgmgr.SupportedLicense, 0, len(s.licenses))
	for _, lic := range s.licenses {
		result = append(result, lic)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Identifier < result[j].Identifier })
	return result, nil
}

func (s *Store) UpsertSupportedLicense(ctx context.Context, lic pkgmgr.SupportedLicense) (pkgmgr.SupportedLicense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lic.ID == "" {
		lic.ID = uuid.NewString()
	}
	for id, existing := range s.licenses {
		if existing.Identifier == lic.Identifier {
			lic.ID = id
			break
		}
	}
	s.licenses[lic.ID] = lic
	return lic, nil
}

func (s *Store) RecordAudit(ctx context.Context, entry pkgmgr.AuditLog) (pkgmgr.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	s.audit = append(s.audit, entry)
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]pkgmgr.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var result []pkgmgr.AuditLog
	for i := len(s.audit) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.audit[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}
