package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/theboyknowsclass/secure-package-manager/internal/aggregator"
	core "github.com/theboyknowsclass/secure-package-manager/internal/core/service"
	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/parser"
	"github.com/theboyknowsclass/secure-package-manager/internal/pipelineerr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store"
	"github.com/theboyknowsclass/secure-package-manager/internal/workers"
)

const maxManifestBytes = 64 << 20 // 64MiB, generous for a monorepo lockfile.

func (h *Handler) handleCreateManifest(w http.ResponseWriter, r *http.Request) {
	if !userFrom(r).HasPermission(pkgmgr.PermissionRequestPackages) {
		writeError(w, http.StatusForbidden, "principal lacks request_packages permission")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(raw) > maxManifestBytes {
		writeError(w, http.StatusBadRequest, "manifest too large")
		return
	}

	entries, err := parser.Parse(raw)
	if err != nil {
		var rejected *parser.ErrManifestRejected
		if errors.As(err, &rejected) {
			writeError(w, http.StatusBadRequest, rejected.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	req, err := h.Store.CreateRequest(ctx, pkgmgr.Request{
		SubmittedBy: principalFrom(r),
		Filename:    r.URL.Query().Get("filename"),
		RawManifest: raw,
	})
	if err != nil {
		h.Log.WithError(err).Error("failed to create request")
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}

	created, linked := 0, 0
	for _, entry := range entries {
		pkg, packageType, err := h.resolvePackage(ctx, entry)
		if err != nil {
			h.Log.WithError(err).WithField("package", entry.Key()).Warn("failed to resolve package")
			continue
		}
		if packageType == pkgmgr.PackageTypeNew {
			created++
		}

		_, err = h.Store.LinkPackage(ctx, pkgmgr.RequestPackage{
			RequestID:   req.ID,
			PackageID:   pkg.ID,
			PackageType: packageType,
		})
		if err != nil && err != store.ErrAlreadyLinked {
			h.Log.WithError(err).WithField("package", entry.Key()).Warn("failed to link package to request")
			continue
		}
		linked++
	}

	h.Store.RecordAudit(ctx, pkgmgr.AuditLog{
		PrincipalID: principalFrom(r),
		Action:      "submit_manifest",
		EntityType:  "request",
		EntityID:    req.ID,
		Details:     map[string]any{"packages_linked": linked, "packages_created": created},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":       req.ID,
		"packages_linked":  linked,
		"packages_created": created,
	})
}

func (h *Handler) resolvePackage(ctx context.Context, entry parser.Entry) (pkgmgr.Package, pkgmgr.PackageType, error) {
	existing, err := h.Store.FindPackage(ctx, entry.Name, entry.Version)
	if err == nil {
		return existing, pkgmgr.PackageTypeExisting, nil
	}
	if err != store.ErrNotFound {
		return pkgmgr.Package{}, "", err
	}

	created, err := h.Store.CreatePackageWithStatus(ctx, pkgmgr.Package{
		Name:              entry.Name,
		Version:           entry.Version,
		URL:               entry.URL,
		Integrity:         entry.Integrity,
		LicenceIdentifier: entry.LicenceIdentifier,
	})
	if err != nil {
		return pkgmgr.Package{}, "", err
	}
	return created, pkgmgr.PackageTypeNew, nil
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	req, err := h.Store.GetRequest(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	packages, err := h.Store.ListPackagesForRequest(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list packages")
		return
	}

	proj, err := aggregator.Aggregate(ctx, h.Store, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute request projection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request":    req,
		"packages":   packages,
		"projection": proj,
	})
}

func (h *Handler) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	scan, err := h.Store.GetLatestScan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no scan found for package")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// handleListScans returns a package's full scan history, most recent scans
// first, bounded by an optional ?limit= query param.
func (h *Handler) handleListScans(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	scans, err := h.Store.ListScans(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}

	limit := core.ClampLimit(parseIntParam(r, "limit"), core.DefaultListLimit, core.MaxListLimit)
	if len(scans) > limit {
		scans = scans[:limit]
	}

	writeJSON(w, http.StatusOK, scans)
}

func parseIntParam(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// handleHealth reports the supervisor's most recent host/cache-disk
// resource sample; "degraded" when the cache filesystem is low on space.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Supervisor == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	sample := h.Supervisor.LastSample()
	status := "ok"
	if sample.DiskLow {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"sample": sample,
	})
}

type batchRequest struct {
	PackageIDs []string `json:"package_ids"`
	Reason     string   `json:"reason"`
}

type batchOutcome struct {
	PackageID string `json:"package_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleApprovalsBatch(w http.ResponseWriter, r *http.Request) {
	h.handleBatchDecision(w, r, "approve_packages", pkgmgr.PermissionApprovePackages, pkgmgr.StatusApproved, false)
}

func (h *Handler) handleRejectionsBatch(w http.ResponseWriter, r *http.Request) {
	h.handleBatchDecision(w, r, "reject_packages", pkgmgr.PermissionRejectPackages, pkgmgr.StatusRejected, true)
}

// handleBatchDecision commits a batch of pending-approval packages to to.
// The permission check runs before any request body parsing or store
// access: a principal lacking permission gets 403 and no package's status
// is ever read or written.
func (h *Handler) handleBatchDecision(w http.ResponseWriter, r *http.Request, action, permission string, to pkgmgr.Status, reasonRequired bool) {
	user := userFrom(r)
	if !user.HasPermission(permission) {
		writeError(w, http.StatusForbidden, "principal lacks "+permission+" permission")
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if reasonRequired && strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "a non-empty reason is required")
		return
	}

	ctx := r.Context()
	principal := user.ID
	outcomes := make([]batchOutcome, 0, len(req.PackageIDs))
	succeeded := 0

	for _, packageID := range req.PackageIDs {
		err := h.Store.CommitTransition(ctx, packageID, pkgmgr.StatusPendingApproval, to, func(ps *pkgmgr.PackageStatus) {
			if to == pkgmgr.StatusApproved {
				ps.ApproverID = principal
			} else {
				ps.RejectorID = principal
				ps.RejectReason = req.Reason
			}
		})
		if err != nil {
			outcomes = append(outcomes, batchOutcome{PackageID: packageID, OK: false, Error: err.Error()})
			continue
		}
		succeeded++
		outcomes = append(outcomes, batchOutcome{PackageID: packageID, OK: true})
		h.Store.RecordAudit(ctx, pkgmgr.AuditLog{
			PrincipalID: principal,
			Action:      action,
			EntityType:  "package",
			EntityID:    packageID,
			Details:     map[string]any{"reason": req.Reason},
		})
	}

	h.Store.RecordAudit(ctx, pkgmgr.AuditLog{
		PrincipalID: principal,
		Action:      action + "_batch",
		EntityType:  "request_batch",
		EntityID:    "",
		Details:     map[string]any{"requested": len(req.PackageIDs), "succeeded": succeeded},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded": succeeded,
		"failed":    len(req.PackageIDs) - succeeded,
		"outcomes":  outcomes,
	})
}

func (h *Handler) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	packageID := mux.Vars(r)["package_id"]
	ctx := r.Context()

	ps, err := h.Store.GetPackageStatus(ctx, packageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}
	if ps.Status != pkgmgr.StatusApproved && ps.Status != pkgmgr.StatusPublishFailed {
		writeError(w, http.StatusConflict, "package is not in a publishable state")
		return
	}
	if ps.Status == pkgmgr.StatusPublishFailed {
		if err := h.Store.CommitTransition(ctx, packageID, pkgmgr.StatusPublishFailed, pkgmgr.StatusApproved, nil); err != nil {
			writeError(w, http.StatusConflict, "failed to reset package for retry")
			return
		}
	}

	if err := workers.PublishOne(ctx, h.Store, h.Publisher, packageID); err != nil {
		status := http.StatusInternalServerError
		if pipelineerr.Is(err, pipelineerr.ErrTransientIO) {
			// The upstream registry rejected or timed out the publish; the
			// package is already reset to publish_failed for a later retry.
			status = http.StatusBadGateway
		}
		writeError(w, status, "publish failed: "+err.Error())
		return
	}

	h.Store.RecordAudit(ctx, pkgmgr.AuditLog{
		PrincipalID: principalFrom(r),
		Action:      "force_publish",
		EntityType:  "package",
		EntityID:    packageID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"package_id": packageID, "status": string(pkgmgr.StatusPublished)})
}
