package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"agritrace.org/internal/certify"
)

type verifyBatchRequest struct {
	Tokens    string   `json:"tokens"`
	TokenList []string `json:"token_list"`
}

type verifyBatchResponse struct {
	Results []certify.BatchRow `json:"results"`
	Total   int                `json:"total"`
	Valid   int                `json:"valid"`
	Revoked int                `json:"revoked"`
	Errors  int                `json:"errors"`
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Verify(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, certify.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "certificate not found")
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyBatch(w http.ResponseWriter, r *http.Request) {
	var req verifyBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tokens := certify.ParseTokens(req.Tokens)
	for _, t := range req.TokenList {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}

	rows, err := a.svc.VerifyMany(r.Context(), tokens)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		var buf bytes.Buffer
		if err := certify.WriteCSV(&buf, rows); err != nil {
			handleServiceError(w, r, err)
			return
		}
		name := "verification-report-" + time.Now().UTC().Format("20060102-150405") + ".csv"
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}

	resp := verifyBatchResponse{Results: rows, Total: len(rows)}
	for _, row := range rows {
		switch row.Status {
		case certify.RowValid:
			resp.Valid++
		case certify.RowRevoked:
			resp.Revoked++
		default:
			resp.Errors++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) credentialDocument(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	doc, err := a.svc.Document(r.Context(), token)
	if err != nil {
		a.documentError(w, r, err)
		return
	}
	writeDownload(w, "credential-"+safeName(token)+".json", doc)
}

func (a *API) credentialOCA(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	doc, err := a.svc.OCADocument(r.Context(), token, a.verificationURL(r, token))
	if err != nil {
		a.documentError(w, r, err)
		return
	}
	writeDownload(w, "credential-"+safeName(token)+"-oca.json", doc)
}

func (a *API) documentError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, certify.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "certificate not found")
		return
	}
	handleServiceError(w, r, err)
}

func (a *API) track(w http.ResponseWriter, r *http.Request) {
	j, err := a.svc.TrackBatch(r.Context(), r.PathValue("trackingToken"))
	if err != nil {
		if errors.Is(err, certify.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "batch not found")
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// verificationURL is the public page a printed QR code points to.
func (a *API) verificationURL(r *http.Request, token string) string {
	base := a.publicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/v1/verify/" + token
}

func writeDownload(w http.ResponseWriter, filename string, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// safeName keeps filename characters to [A-Za-z0-9_-].
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}
