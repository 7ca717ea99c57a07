package httpapi

import (
	"net/http"
	"strings"

	"agritrace.org/internal/audit"
	"agritrace.org/internal/auth"
	"agritrace.org/internal/certify"
)

type issueCredentialRequest struct {
	InspectionID string `json:"inspection_id"`
	BatchID      string `json:"batch_id"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type credentialListResponse struct {
	Items []certify.Credential `json:"items"`
}

// identity returns the caller set by withAuth; handlers behind it always have one.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "authentication required")
	}
	return id, ok
}

func (a *API) createBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req certify.NewBatch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	b, err := a.svc.CreateBatch(r.Context(), id, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "batch.created", map[string]any{
		"batch_id":       b.ID,
		"tracking_token": b.TrackingToken,
	})
	w.Header().Set("Location", "/v1/batches/"+b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	b, err := a.svc.GetBatch(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) listBatchCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	creds, err := a.svc.ListCredentialsForBatch(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if creds == nil {
		creds = []certify.Credential{}
	}
	writeJSON(w, http.StatusOK, credentialListResponse{Items: creds})
}

func (a *API) scheduleInspection(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req certify.ScheduleInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in, err := a.svc.ScheduleInspection(r.Context(), id, r.PathValue("id"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "inspection.scheduled", map[string]any{
		"inspection_id": in.ID,
		"batch_id":      in.BatchID,
	})
	w.Header().Set("Location", "/v1/inspections/"+in.ID)
	writeJSON(w, http.StatusCreated, in)
}

func (a *API) getInspection(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	in, err := a.svc.GetInspection(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) completeInspection(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req certify.CompleteInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in, err := a.svc.CompleteInspection(r.Context(), id, r.PathValue("id"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "inspection.completed", map[string]any{
		"inspection_id": in.ID,
		"batch_id":      in.BatchID,
		"conclusion":    string(in.Conclusion),
	})
	writeJSON(w, http.StatusOK, in)
}

func (a *API) issueCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req issueCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inspectionID := strings.TrimSpace(req.InspectionID)
	batchID := strings.TrimSpace(req.BatchID)
	if inspectionID == "" || batchID == "" {
		writeError(w, r, http.StatusBadRequest, "inspection_id and batch_id are required")
		return
	}
	c, err := a.svc.Issue(r.Context(), id, inspectionID, batchID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "credential.issued", map[string]any{
		"credential_id": c.ID,
		"batch_id":      c.BatchID,
		"inspection_id": c.InspectionID,
	})
	w.Header().Set("Location", "/v1/credentials/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	c, err := a.svc.GetCredential(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) revokeCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.Revoke(r.Context(), id, r.PathValue("id"), req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "credential.revoked", map[string]any{
		"credential_id": c.ID,
		"reason":        strings.TrimSpace(req.Reason),
	})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) retryAnchoring(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	c, err := a.svc.RetryAnchoring(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), "credential.anchoring_retried", map[string]any{
		"credential_id": c.ID,
	})
	writeJSON(w, http.StatusAccepted, c)
}
