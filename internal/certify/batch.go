package certify

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// MaxBatchTokens caps a single VerifyMany call.
const MaxBatchTokens = 100

// Row statuses in a batch verification report.
const (
	RowValid   = "valid"
	RowRevoked = "revoked"
	RowError   = "error"
)

// BatchRow is the outcome for one input token. Result is nil for error rows.
type BatchRow struct {
	Token  string              `json:"token"`
	Status string              `json:"status"`
	Result *VerificationResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// ParseTokens splits pasted input on newlines, commas and semicolons. Blank entries are
// dropped; duplicates and order are kept.
func ParseTokens(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// VerifyMany verifies every token concurrently and returns one row per token in input
// order. Structural errors abort before any lookup.
func (s *Service) VerifyMany(ctx context.Context, tokens []string) ([]BatchRow, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	if len(tokens) > MaxBatchTokens {
		return nil, ErrTooManyTokens
	}

	rows := make([]BatchRow, len(tokens))
	var g errgroup.Group
	for i, tok := range tokens {
		g.Go(func() error {
			res, err := s.Verify(ctx, tok)
			rows[i] = rowFor(tok, res, err)
			return nil
		})
	}
	_ = g.Wait()
	return rows, nil
}

func rowFor(token string, res VerificationResult, err error) BatchRow {
	if err != nil {
		return BatchRow{Token: token, Status: RowError, Error: rowError(err)}
	}
	status := RowValid
	if !res.Valid {
		status = RowRevoked
	}
	return BatchRow{Token: token, Status: status, Result: &res}
}

func rowError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "certificate not found"
	case errors.Is(err, ErrReferencedEntityMissing):
		return "certificate data incomplete"
	default:
		return "verification failed"
	}
}

var csvHeader = []string{"Token", "Status", "Product Type", "Quantity", "Origin Country", "Conclusion", "Error"}

// WriteCSV writes the batch verification report, one row per input token.
func WriteCSV(w io.Writer, rows []BatchRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Token, r.Status, "", "", "", "", r.Error}
		if r.Result != nil {
			b := r.Result.Batch
			rec[2] = b.ProductType
			rec[3] = strings.TrimSpace(strconv.FormatFloat(b.Quantity, 'f', -1, 64) + " " + b.Unit)
			rec[4] = b.Origin.Country
			rec[5] = string(r.Result.Inspection.Conclusion)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
