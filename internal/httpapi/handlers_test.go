package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/certify"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	signer  *credential.Signer
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	authSvc, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	signer, err := credential.GenerateSigner("key-1")
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	events := stream.New()
	svc := certify.NewService(certify.NewInMemory(), certify.WithSigner(signer), certify.WithEvents(events))

	api := New(ReadyProbe{}, "test", svc, Options{
		Auth:          authSvc,
		DevTokens:     true,
		Stream:        events,
		PublicBaseURL: "https://verify.example",
		RateBurst:     1000,
		RatePerSecond: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		signer:  signer,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path, token string) *http.Response {
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"name":  user + " Ltd",
		"roles": roles,
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// issueCredential walks a batch through inspection and returns the issued credential.
func issueCredential(t *testing.T, api *apiClient, exporter, agency string, conclusion certify.Conclusion) (certify.Batch, certify.Credential) {
	t.Helper()
	resp := api.post("/v1/batches", map[string]any{
		"product_type":        "Coffee",
		"variety":             "SL28",
		"quantity":            1200,
		"unit":                "kg",
		"origin":              map[string]any{"country": "KE", "state": "Nyeri", "address": "Plot 12"},
		"destination_country": "DE",
		"harvest_date":        "2024-05-01",
	}, exporter)
	expectStatus(t, resp, http.StatusCreated)
	batch := decode[certify.Batch](t, resp)

	resp = api.post("/v1/batches/"+batch.ID+"/inspections", map[string]any{"scheduled_date": "2024-05-10"}, agency)
	expectStatus(t, resp, http.StatusCreated)
	insp := decode[certify.Inspection](t, resp)

	resp = api.post("/v1/inspections/"+insp.ID+"/complete", map[string]any{
		"conclusion":          conclusion,
		"organic_status":      "Organic",
		"moisture_percentage": 11.5,
		"iso_codes":           []string{"ISO-22000"},
		"completed_date":      "2024-05-11",
	}, agency)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/credentials", map[string]any{"inspection_id": insp.ID, "batch_id": batch.ID}, agency)
	expectStatus(t, resp, http.StatusCreated)
	cred := decode[certify.Credential](t, resp)
	return batch, cred
}

func TestAPICredentialLifecycle(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})

	batch, cred := issueCredential(t, api, exporter, agency, certify.ConclusionPass)
	if cred.QRToken == "" || cred.RevocationStatus != certify.RevocationActive {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	// Public verification needs no token.
	resp := api.get("/v1/verify/"+cred.QRToken, "")
	expectStatus(t, resp, http.StatusOK)
	res := decode[certify.VerificationResult](t, resp)
	if !res.Valid || res.Batch.ID != batch.ID || res.Batch.Status != certify.BatchCertified {
		t.Fatalf("unexpected verification: %+v", res)
	}
	if res.SignatureValid == nil || !*res.SignatureValid {
		t.Fatalf("expected valid signature, got %v", res.SignatureValid)
	}

	// The document download returns the stored bytes verbatim.
	resp = api.get("/v1/credentials/"+cred.QRToken+"/document", "")
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(raw, cred.Document) {
		t.Fatalf("document bytes differ")
	}
	if err := credential.VerifyProof(raw, api.signer.PublicKey()); err != nil {
		t.Fatalf("downloaded document proof: %v", err)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected attachment disposition")
	}

	resp = api.get("/v1/credentials/"+cred.QRToken+"/oca", "")
	expectStatus(t, resp, http.StatusOK)
	oca := decode[map[string]any](t, resp)
	if oca["verificationUrl"] != "https://verify.example/v1/verify/"+cred.QRToken {
		t.Fatalf("unexpected verification url: %v", oca["verificationUrl"])
	}

	// Revoke as the issuing agency; verification flips to invalid.
	resp = api.post("/v1/credentials/"+cred.ID+"/revoke", map[string]any{"reason": "contamination recall"}, agency)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/verify/"+cred.QRToken, "")
	expectStatus(t, resp, http.StatusOK)
	res = decode[certify.VerificationResult](t, resp)
	if res.Valid || res.RevocationReason == nil || *res.RevocationReason != "contamination recall" || res.RevokedAt == nil {
		t.Fatalf("expected revoked result, got %+v", res)
	}

	resp = api.post("/v1/credentials/"+cred.ID+"/revoke", map[string]any{"reason": "again"}, agency)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// Tracking shows the journey without tokens.
	resp = api.get("/v1/track/"+batch.TrackingToken, "")
	expectStatus(t, resp, http.StatusOK)
	journey := decode[map[string]any](t, resp)
	creds, _ := journey["credentials"].([]any)
	if len(creds) != 1 {
		t.Fatalf("expected one credential in journey, got %v", journey["credentials"])
	}
	if _, leaked := creds[0].(map[string]any)["qr_token"]; leaked {
		t.Fatalf("journey must not expose qr tokens")
	}
}

func TestAPIVerifyUnknownToken(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/verify/does-not-exist", "")
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["error"] != "certificate not found" {
		t.Fatalf("unexpected error: %v", body["error"])
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
}

func TestAPIVerifyBatch(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})
	_, cred := issueCredential(t, api, exporter, agency, certify.ConclusionConditionalPass)

	resp := api.post("/v1/verify/batch", map[string]any{
		"tokens": cred.QRToken + ",\n missing ;" + cred.QRToken,
	}, "")
	expectStatus(t, resp, http.StatusOK)
	out := decode[verifyBatchResponse](t, resp)
	if out.Total != 3 || out.Valid != 2 || out.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.Results[1].Token != "missing" || out.Results[1].Error != "certificate not found" {
		t.Fatalf("unexpected error row: %+v", out.Results[1])
	}

	resp = api.post("/v1/verify/batch?format=csv", map[string]any{"token_list": []string{cred.QRToken, "missing"}}, "")
	expectStatus(t, resp, http.StatusOK)
	csvBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	lines := strings.Split(strings.TrimSpace(string(csvBody)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "Token,Status") {
		t.Fatalf("unexpected csv: %q", csvBody)
	}

	resp = api.post("/v1/verify/batch", map[string]any{"tokens": " , ;"}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	many := make([]string, certify.MaxBatchTokens+1)
	for i := range many {
		many[i] = "tok"
	}
	resp = api.post("/v1/verify/batch", map[string]any{"token_list": many}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/batches", map[string]any{"product_type": "Coffee"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp2 := api.post("/v1/batches", map[string]any{"product_type": "Coffee"}, "not-a-jwt")
	expectStatus(t, resp2, http.StatusUnauthorized)
	resp2.Body.Close()
}

func TestAPIRoleChecks(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})
	otherAgency := api.obtainToken("Q2", []string{auth.RoleQAAgency})
	_, cred := issueCredential(t, api, exporter, agency, certify.ConclusionPass)

	// Exporters cannot issue or revoke.
	resp := api.post("/v1/credentials", map[string]any{"inspection_id": "x", "batch_id": "y"}, exporter)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// Another agency may not revoke a credential it did not issue.
	resp = api.post("/v1/credentials/"+cred.ID+"/revoke", map[string]any{"reason": "not mine"}, otherAgency)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// Exporter can read its own credential list.
	resp = api.get("/v1/batches/"+cred.BatchID+"/credentials", exporter)
	expectStatus(t, resp, http.StatusOK)
	list := decode[credentialListResponse](t, resp)
	if len(list.Items) != 1 || list.Items[0].ID != cred.ID {
		t.Fatalf("unexpected credential list: %+v", list)
	}
}

func TestAPIEventStreamRequiresOperatorRole(t *testing.T) {
	api := newTestAPI(t)
	for _, role := range []string{auth.RoleImporter, auth.RoleExporter} {
		token := api.obtainToken("U-"+role, []string{role})
		resp := api.get("/v1/events", token)
		expectStatus(t, resp, http.StatusForbidden)
		resp.Body.Close()
	}
}

func TestAPIDuplicateIssueConflicts(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})
	batch, cred := issueCredential(t, api, exporter, agency, certify.ConclusionPass)

	resp := api.post("/v1/credentials", map[string]any{"inspection_id": cred.InspectionID, "batch_id": batch.ID}, agency)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPIRetryAnchoringWithoutBackend(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})
	_, cred := issueCredential(t, api, exporter, agency, certify.ConclusionPass)

	resp := api.post("/v1/credentials/"+cred.ID+"/anchor", nil, agency)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestAPIScheduleRejectsCertifiedBatch(t *testing.T) {
	api := newTestAPI(t)
	exporter := api.obtainToken("E7", []string{auth.RoleExporter})
	agency := api.obtainToken("Q1", []string{auth.RoleQAAgency})
	batch, _ := issueCredential(t, api, exporter, agency, certify.ConclusionPass)

	resp := api.post("/v1/batches/"+batch.ID+"/inspections", map[string]any{}, agency)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp2 := api.post("/v1/auth/token", map[string]any{"user": "u", "roles": []string{"superuser"}}, "")
	expectStatus(t, resp2, http.StatusBadRequest)
	resp2.Body.Close()
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, "")
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}
