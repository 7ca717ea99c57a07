package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"agritrace.org/internal/certify"
)

// PostgreSQL error codes mapped to domain errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ certify.Store = (*Store)(nil)

// PoolConfig tunes the database/sql pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const batchColumns = `id, exporter_id, product_type, variety, quantity, unit,
	origin_country, origin_state, origin_address, origin_latitude, origin_longitude,
	destination_country, coalesce(harvest_date::text, ''), coalesce(expected_ship_date::text, ''),
	tracking_token, status, created_at, updated_at`

const inspectionColumns = `id, batch_id, agency_id, status, coalesce(scheduled_date::text, ''),
	coalesce(completed_date::text, ''), coalesce(conclusion, ''), organic_status,
	moisture_percentage, iso_codes, comments, created_at`

const credentialColumns = `id, batch_id, inspection_id, holder_id, issuer_did, credential_json,
	qr_token, revocation_status, revoked_at, revocation_reason, anchor_status, anchor_attempts,
	anchor_last_error, blockchain_tx_hash, blockchain_network, blockchain_block_number,
	blockchain_anchored_at, credential_hash, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateBatch(ctx context.Context, b certify.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		insert into batches(id, exporter_id, product_type, variety, quantity, unit,
			origin_country, origin_state, origin_address, origin_latitude, origin_longitude,
			destination_country, harvest_date, expected_ship_date, tracking_token, status,
			created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,nullif($13,'')::date,nullif($14,'')::date,$15,$16,$17,$18)
	`, b.ID, b.ExporterID, b.ProductType, b.Variety, b.Quantity, b.Unit,
		b.Origin.Country, b.Origin.State, b.Origin.Address, nullFloat(b.Origin.Latitude), nullFloat(b.Origin.Longitude),
		b.DestinationCountry, b.HarvestDate, b.ExpectedShipDate, b.TrackingToken, string(b.Status),
		b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetBatch(ctx context.Context, id string) (certify.Batch, error) {
	row := s.db.QueryRowContext(ctx, `select `+batchColumns+` from batches where id=$1`, id)
	return scanBatch(row)
}

func (s *Store) GetBatchByTrackingToken(ctx context.Context, token string) (certify.Batch, error) {
	row := s.db.QueryRowContext(ctx, `select `+batchColumns+` from batches where tracking_token=$1`, token)
	return scanBatch(row)
}

func scanBatch(row rowScanner) (certify.Batch, error) {
	var b certify.Batch
	var lat, lon sql.NullFloat64
	var status string
	err := row.Scan(&b.ID, &b.ExporterID, &b.ProductType, &b.Variety, &b.Quantity, &b.Unit,
		&b.Origin.Country, &b.Origin.State, &b.Origin.Address, &lat, &lon,
		&b.DestinationCountry, &b.HarvestDate, &b.ExpectedShipDate,
		&b.TrackingToken, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return certify.Batch{}, certify.ErrNotFound
	}
	if err != nil {
		return certify.Batch{}, err
	}
	b.Origin.Latitude = floatPtr(lat)
	b.Origin.Longitude = floatPtr(lon)
	b.Status = certify.BatchStatus(status)
	return b, nil
}

// applyTransition updates the batch only while it still has status tr.From.
func applyTransition(ctx context.Context, tx *sql.Tx, tr certify.BatchTransition) error {
	res, err := tx.ExecContext(ctx, `
		update batches set status=$3, updated_at=$4
		where id=$1 and status=$2
	`, tr.BatchID, string(tr.From), string(tr.To), tr.At)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from batches where id=$1)`, tr.BatchID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return certify.ErrNotFound
	}
	return certify.ErrInvalidTransition
}

func (s *Store) CreateInspection(ctx context.Context, in certify.Inspection, tr certify.BatchTransition) error {
	codes, err := encodeCodes(in.ISOCodes)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyTransition(ctx, tx, tr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into inspections(id, batch_id, agency_id, status, scheduled_date, organic_status,
			iso_codes, comments, created_at)
		values ($1,$2,$3,$4,$5::date,$6,$7::jsonb,$8,$9)
	`, in.ID, in.BatchID, in.AgencyID, string(in.Status), in.ScheduledDate, in.OrganicStatus,
		codes, in.Comments, in.CreatedAt); err != nil {
		return mapErr(err)
	}
	return tx.Commit()
}

func (s *Store) GetInspection(ctx context.Context, id string) (certify.Inspection, error) {
	row := s.db.QueryRowContext(ctx, `select `+inspectionColumns+` from inspections where id=$1`, id)
	return scanInspection(row)
}

func (s *Store) ListInspections(ctx context.Context, batchID string) ([]certify.Inspection, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+inspectionColumns+` from inspections
		where batch_id=$1
		order by created_at asc, id asc
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []certify.Inspection
	for rows.Next() {
		in, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func scanInspection(row rowScanner) (certify.Inspection, error) {
	var in certify.Inspection
	var status, conclusion string
	var moisture sql.NullFloat64
	var codes []byte
	err := row.Scan(&in.ID, &in.BatchID, &in.AgencyID, &status, &in.ScheduledDate,
		&in.CompletedDate, &conclusion, &in.OrganicStatus, &moisture, &codes, &in.Comments, &in.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return certify.Inspection{}, certify.ErrNotFound
	}
	if err != nil {
		return certify.Inspection{}, err
	}
	in.Status = certify.InspectionStatus(status)
	in.Conclusion = certify.Conclusion(conclusion)
	in.MoisturePercentage = floatPtr(moisture)
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &in.ISOCodes); err != nil {
			return certify.Inspection{}, fmt.Errorf("decode iso_codes: %w", err)
		}
	}
	return in, nil
}

func (s *Store) CompleteInspection(ctx context.Context, in certify.Inspection, tr certify.BatchTransition) error {
	codes, err := encodeCodes(in.ISOCodes)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update inspections
		set status=$2, completed_date=$3::date, conclusion=$4, organic_status=$5,
			moisture_percentage=$6, iso_codes=$7::jsonb, comments=$8
		where id=$1 and status='Pending'
	`, in.ID, string(in.Status), in.CompletedDate, string(in.Conclusion), in.OrganicStatus,
		nullFloat(in.MoisturePercentage), codes, in.Comments)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from inspections where id=$1)`, in.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return certify.ErrNotFound
		}
		return certify.ErrInvalidTransition
	}
	if err := applyTransition(ctx, tx, tr); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateCredential(ctx context.Context, c certify.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credentials(id, batch_id, inspection_id, holder_id, issuer_did, credential_json,
			qr_token, revocation_status, anchor_status, anchor_attempts, credential_hash, created_at)
		values ($1,$2,$3,$4,$5,$6::json,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.BatchID, c.InspectionID, c.HolderID, c.IssuerDID, string(c.Document),
		c.QRToken, string(c.RevocationStatus), string(c.AnchorState.Status), c.AnchorState.Attempts,
		nullString(c.AnchorState.CredentialHash), c.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetCredential(ctx context.Context, id string) (certify.Credential, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where id=$1`, id)
	return scanCredential(row)
}

func (s *Store) GetCredentialByToken(ctx context.Context, token string) (certify.Credential, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where qr_token=$1`, token)
	return scanCredential(row)
}

func (s *Store) GetCredentialByInspection(ctx context.Context, inspectionID string) (certify.Credential, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where inspection_id=$1`, inspectionID)
	return scanCredential(row)
}

func (s *Store) ListCredentialsByBatch(ctx context.Context, batchID string) ([]certify.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+credentialColumns+` from credentials
		where batch_id=$1
		order by created_at asc, id asc
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []certify.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanCredential(row rowScanner) (certify.Credential, error) {
	var c certify.Credential
	var doc []byte
	var revStatus, anchorStatus string
	var revokedAt, anchoredAt sql.NullTime
	var reason, txHash, network, credHash sql.NullString
	var block sql.NullInt64
	err := row.Scan(&c.ID, &c.BatchID, &c.InspectionID, &c.HolderID, &c.IssuerDID, &doc,
		&c.QRToken, &revStatus, &revokedAt, &reason, &anchorStatus, &c.AnchorState.Attempts,
		&c.AnchorState.LastError, &txHash, &network, &block, &anchoredAt, &credHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return certify.Credential{}, certify.ErrNotFound
	}
	if err != nil {
		return certify.Credential{}, err
	}
	c.Document = json.RawMessage(doc)
	c.RevocationStatus = certify.RevocationStatus(revStatus)
	c.RevokedAt = timePtr(revokedAt)
	c.RevocationReason = stringPtr(reason)
	c.AnchorState.Status = certify.AnchorStatus(anchorStatus)
	c.AnchorState.TxHash = stringPtr(txHash)
	c.AnchorState.Network = stringPtr(network)
	if block.Valid {
		n := block.Int64
		c.AnchorState.BlockNumber = &n
	}
	c.AnchorState.AnchoredAt = timePtr(anchoredAt)
	c.AnchorState.CredentialHash = stringPtr(credHash)
	return c, nil
}

func (s *Store) RevokeCredential(ctx context.Context, id, reason string, at time.Time) (certify.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		update credentials
		set revocation_status='revoked', revoked_at=$2, revocation_reason=$3
		where id=$1 and revocation_status='active'
		returning `+credentialColumns, id, at, reason)
	c, err := scanCredential(row)
	if !errors.Is(err, certify.ErrNotFound) {
		return c, err
	}
	if err := s.mustExist(ctx, id); err != nil {
		return certify.Credential{}, err
	}
	return certify.Credential{}, certify.ErrAlreadyRevoked
}

func (s *Store) RecordAnchoring(ctx context.Context, id string, a certify.Anchoring) error {
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set anchor_status='anchored', anchor_attempts=anchor_attempts+1, anchor_last_error='',
			blockchain_tx_hash=$2, blockchain_network=$3, blockchain_block_number=$4,
			blockchain_anchored_at=$5, credential_hash=$6
		where id=$1 and anchor_status<>'anchored'
	`, id, a.TxHash, a.Network, a.BlockNumber, a.AnchoredAt, a.CredentialHash)
	return s.anchorResult(ctx, id, res, err)
}

func (s *Store) RecordAnchorFailure(ctx context.Context, id, message string, final bool) error {
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set anchor_attempts=anchor_attempts+1, anchor_last_error=$2,
			anchor_status=case when $3 then 'failed' else anchor_status end
		where id=$1 and anchor_status<>'anchored'
	`, id, message, final)
	return s.anchorResult(ctx, id, res, err)
}

func (s *Store) ResetAnchoring(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set anchor_status='pending', anchor_attempts=0, anchor_last_error=''
		where id=$1 and anchor_status<>'anchored'
	`, id)
	return s.anchorResult(ctx, id, res, err)
}

// anchorResult turns a zero-row anchoring update into ErrNotFound or ErrAlreadyAnchored.
func (s *Store) anchorResult(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	return certify.ErrAlreadyAnchored
}

func (s *Store) ListPendingAnchoring(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id from credentials
		where anchor_status='pending'
		order by created_at asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from credentials where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return certify.ErrNotFound
	}
	return nil
}

// --- helpers ---

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", certify.ErrConflict, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", certify.ErrReferencedEntityMissing, pgErr.ConstraintName)
		}
	}
	return err
}

func encodeCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	b, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("encode iso_codes: %w", err)
	}
	return string(b), nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
