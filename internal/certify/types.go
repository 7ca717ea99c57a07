// Package certify owns batches, inspections and the verifiable credentials issued for them.
package certify

import (
	"encoding/json"
	"time"
)

// Origin locates where a batch was produced.
type Origin struct {
	Country   string   `json:"country"`
	State     string   `json:"state"`
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Batch is a physical consignment of an agricultural product. Dates are YYYY-MM-DD.
type Batch struct {
	ID                 string      `json:"id"`
	ExporterID         string      `json:"exporter_id"`
	ProductType        string      `json:"product_type"`
	Variety            string      `json:"variety"`
	Quantity           float64     `json:"quantity"`
	Unit               string      `json:"unit"`
	Origin             Origin      `json:"origin"`
	DestinationCountry string      `json:"destination_country"`
	HarvestDate        string      `json:"harvest_date"`
	ExpectedShipDate   string      `json:"expected_ship_date"`
	TrackingToken      string      `json:"tracking_token"`
	Status             BatchStatus `json:"status"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Inspection is one QA review of a batch.
type Inspection struct {
	ID                 string           `json:"id"`
	BatchID            string           `json:"batch_id"`
	AgencyID           string           `json:"agency_id"`
	Status             InspectionStatus `json:"status"`
	ScheduledDate      string           `json:"scheduled_date"`
	CompletedDate      string           `json:"completed_date"`
	Conclusion         Conclusion       `json:"conclusion"`
	OrganicStatus      string           `json:"organic_status"`
	MoisturePercentage *float64         `json:"moisture_percentage"`
	ISOCodes           []string         `json:"iso_codes"`
	Comments           string           `json:"comments"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Eligible reports whether a credential may be issued for the inspection.
func (i Inspection) Eligible() bool {
	return i.Status == InspectionCompleted && i.Conclusion.Valid()
}

// AnchorState is the blockchain anchoring bookkeeping of a credential.
type AnchorState struct {
	Status         AnchorStatus `json:"anchor_status"`
	Attempts       int          `json:"anchor_attempts"`
	LastError      string       `json:"anchor_last_error,omitempty"`
	TxHash         *string      `json:"blockchain_tx_hash"`
	Network        *string      `json:"blockchain_network"`
	BlockNumber    *int64       `json:"blockchain_block_number"`
	AnchoredAt     *time.Time   `json:"blockchain_anchored_at"`
	CredentialHash *string      `json:"credential_hash"`
}

// Anchored reports whether a receipt has been recorded.
func (a AnchorState) Anchored() bool {
	return a.Status == AnchorAnchored && a.TxHash != nil
}

// Credential is an issued verifiable credential. Document holds the stored bytes verbatim.
type Credential struct {
	ID               string           `json:"id"`
	BatchID          string           `json:"batch_id"`
	InspectionID     string           `json:"inspection_id"`
	HolderID         string           `json:"holder_id"`
	IssuerDID        string           `json:"issuer_did"`
	Document         json.RawMessage  `json:"credential_json"`
	QRToken          string           `json:"qr_token"`
	RevocationStatus RevocationStatus `json:"revocation_status"`
	RevokedAt        *time.Time       `json:"revoked_at"`
	RevocationReason *string          `json:"revocation_reason"`
	AnchorState
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the credential has not been revoked.
func (c Credential) Active() bool { return c.RevocationStatus == RevocationActive }

// Anchoring is a receipt recorded against a credential.
type Anchoring struct {
	TxHash         string
	Network        string
	BlockNumber    int64
	AnchoredAt     time.Time
	CredentialHash string
}

// BatchTransition is a batch status change applied together with an inspection write.
// Stores apply it only when the batch still has status From.
type BatchTransition struct {
	BatchID string
	From    BatchStatus
	To      BatchStatus
	At      time.Time
}

// Journey is the public view of a batch returned for a tracking token.
type Journey struct {
	Batch       Batch               `json:"batch"`
	Inspections []Inspection        `json:"inspections"`
	Credentials []CredentialSummary `json:"credentials"`
}

// CredentialSummary omits the document and the QR token.
type CredentialSummary struct {
	ID               string           `json:"id"`
	InspectionID     string           `json:"inspection_id"`
	IssuerDID        string           `json:"issuer_did"`
	RevocationStatus RevocationStatus `json:"revocation_status"`
	AnchorStatus     AnchorStatus     `json:"anchor_status"`
	IssuedAt         time.Time        `json:"issued_at"`
}

func summarize(c Credential) CredentialSummary {
	return CredentialSummary{
		ID:               c.ID,
		InspectionID:     c.InspectionID,
		IssuerDID:        c.IssuerDID,
		RevocationStatus: c.RevocationStatus,
		AnchorStatus:     c.AnchorState.Status,
		IssuedAt:         c.CreatedAt,
	}
}
