// Command smoke-verify drives one batch from submission to a verified credential against
// a running API with dev tokens enabled.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

type client struct {
	base string
	http *http.Client
}

func main() {
	base := os.Getenv("AGRITRACE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	exporter := c.token("smoke-exporter", "exporter")
	agency := c.token("smoke-agency", "qa_agency")

	var batch struct {
		ID            string `json:"id"`
		TrackingToken string `json:"tracking_token"`
	}
	c.call(http.MethodPost, "/v1/batches", exporter, map[string]any{
		"product_type":        "Cocoa",
		"variety":             "Forastero",
		"quantity":            500,
		"unit":                "kg",
		"origin":              map[string]any{"country": "GH", "state": "Ashanti"},
		"destination_country": "NL",
		"harvest_date":        time.Now().UTC().AddDate(0, 0, -14).Format("2006-01-02"),
	}, http.StatusCreated, &batch)

	var insp struct {
		ID string `json:"id"`
	}
	c.call(http.MethodPost, "/v1/batches/"+batch.ID+"/inspections", agency, map[string]any{}, http.StatusCreated, &insp)
	c.call(http.MethodPost, "/v1/inspections/"+insp.ID+"/complete", agency, map[string]any{
		"conclusion":     "Pass",
		"organic_status": "Conventional",
		"iso_codes":      []string{"ISO-22000"},
	}, http.StatusOK, nil)

	var cred struct {
		ID      string `json:"id"`
		QRToken string `json:"qr_token"`
	}
	c.call(http.MethodPost, "/v1/credentials", agency, map[string]any{
		"inspection_id": insp.ID,
		"batch_id":      batch.ID,
	}, http.StatusCreated, &cred)

	var res struct {
		Valid          bool  `json:"valid"`
		SignatureValid *bool `json:"signature_valid"`
	}
	c.call(http.MethodGet, "/v1/verify/"+cred.QRToken, "", nil, http.StatusOK, &res)
	if !res.Valid || res.SignatureValid == nil || !*res.SignatureValid {
		log.Fatalf("credential %s did not verify: valid=%v signature=%v", cred.ID, res.Valid, res.SignatureValid)
	}

	var report struct {
		Total  int `json:"total"`
		Valid  int `json:"valid"`
		Errors int `json:"errors"`
	}
	c.call(http.MethodPost, "/v1/verify/batch", "", map[string]any{
		"tokens": cred.QRToken + "\nunknown-token",
	}, http.StatusOK, &report)
	if report.Total != 2 || report.Valid != 1 || report.Errors != 1 {
		log.Fatalf("unexpected batch report: %+v", report)
	}

	c.call(http.MethodGet, "/v1/track/"+batch.TrackingToken, "", nil, http.StatusOK, nil)

	fmt.Printf("✅ verify smoke test passed: batch=%s credential=%s\n", batch.ID, cred.ID)
}

func (c *client) token(user, role string) string {
	var out struct {
		Token string `json:"token"`
	}
	c.call(http.MethodPost, "/v1/auth/token", "", map[string]any{
		"user":  user,
		"name":  user,
		"roles": []string{role},
	}, http.StatusOK, &out)
	return out.Token
}

func (c *client) call(method, path, token string, body any, want int, out any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
