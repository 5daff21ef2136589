// Package store defines the persistence contract the pipeline engine uses.
// All mutation happens through entity-scoped operations; the CAS transition
// is the only way a PackageStatus's status column moves.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
)

// ErrNotFound is returned when a lookup by ID misses.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-set transition's expected
// status no longer matches the persisted row. Callers treat this as "another
// worker won" and silently skip the row.
var ErrConflict = errors.New("store: status conflict")

// ErrAlreadyLinked is returned by LinkPackage when the (request, package)
// link already exists; the manifest submission handler treats it as a no-op,
// not a failure.
var ErrAlreadyLinked = errors.New("store: request/package already linked")

// ErrInvalidTransition is returned when CommitTransition's to status is not
// a legal next state from its from status (see pkgmgr.Status.CanTransition).
// Unlike ErrConflict this is never "another worker won" — it means the
// caller itself asked for an edge the state machine does not allow.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// RequestStore persists Request rows and their package links.
type RequestStore interface {
	CreateRequest(ctx context.Context, req pkgmgr.Request) (pkgmgr.Request, error)
	GetRequest(ctx context.Context, id string) (pkgmgr.Request, error)
	ListRequests(ctx context.Context) ([]pkgmgr.Request, error)

	LinkPackage(ctx context.Context, link pkgmgr.RequestPackage) (pkgmgr.RequestPackage, error)
	ListRequestPackages(ctx context.Context, requestID string) ([]pkgmgr.RequestPackage, error)
	ListPackagesForRequest(ctx context.Context, requestID string) ([]pkgmgr.Package, error)
}

// PackageStore persists Package and PackageStatus rows.
type PackageStore interface {
	// FindPackage looks up an existing Package by its (name, version) key.
	// Returns ErrNotFound when no such package exists.
	FindPackage(ctx context.Context, name, version string) (pkgmgr.Package, error)
	GetPackage(ctx context.Context, id string) (pkgmgr.Package, error)

	// CreatePackageWithStatus atomically creates a new Package and its
	// initial PackageStatus at StatusCheckingLicence. Used only by the
	// parser for first-observation packages.
	CreatePackageWithStatus(ctx context.Context, pkg pkgmgr.Package) (pkgmgr.Package, error)

	GetPackageStatus(ctx context.Context, packageID string) (pkgmgr.PackageStatus, error)

	// ClaimBatch selects up to limit PackageStatus rows currently at
	// status, in arbitrary order, for exclusive handling by the caller.
	// This is the claim phase of the three-phase worker protocol; it does
	// not itself mutate status (CommitTransition does).
	ClaimBatch(ctx context.Context, status pkgmgr.Status, limit int) ([]pkgmgr.PackageStatus, error)

	// CommitTransition performs a compare-and-set: the row for packageID
	// moves from `from` to `to` (applying mutate to the in-memory copy
	// before persisting) only if its current status still equals `from`.
	// Returns ErrConflict if another writer already moved it.
	CommitTransition(ctx context.Context, packageID string, from, to pkgmgr.Status, mutate func(*pkgmgr.PackageStatus)) error

	// ListStuck returns PackageStatus rows in an in-flight state whose
	// updated_at is older than olderThan, for Supervisor recovery.
	ListStuck(ctx context.Context, olderThan time.Time) ([]pkgmgr.PackageStatus, error)

	// CountByStatus groups the statuses of packages linked to a request.
	CountByStatus(ctx context.Context, requestID string) (map[pkgmgr.Status]int, error)
}

// ScanStore persists SecurityScan records.
type ScanStore interface {
	CreateScan(ctx context.Context, scan pkgmgr.SecurityScan) (pkgmgr.SecurityScan, error)
	GetLatestScan(ctx context.Context, packageID string) (pkgmgr.SecurityScan, error)
	ListScans(ctx context.Context, packageID string) ([]pkgmgr.SecurityScan, error)
}

// LicenseStore is the read-only (from the pipeline's perspective) table of
// supported licenses, plus the admin upsert the supplemented spec adds.
type LicenseStore interface {
	ListSupportedLicenses(ctx context.Context) ([]pkgmgr.SupportedLicense, error)
	UpsertSupportedLicense(ctx context.Context, lic pkgmgr.SupportedLicense) (pkgmgr.SupportedLicense, error)
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry pkgmgr.AuditLog) (pkgmgr.AuditLog, error)
	ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]pkgmgr.AuditLog, error)
}

// Store is the full persistence surface the pipeline engine depends on.
type Store interface {
	RequestStore
	PackageStore
	ScanStore
	LicenseStore
	AuditStore
}
