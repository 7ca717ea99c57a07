// Package credential builds, signs and checks W3C-shaped agricultural quality credentials.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ContextCredentialsV1 = "https://www.w3.org/2018/credentials/v1"
	ContextEd25519Suite  = "https://w3id.org/security/suites/ed25519-2020/v1"

	ProofTypeEd25519    = "Ed25519Signature2020"
	ProofPurposeAssert  = "assertionMethod"
	issuerTypeOrg       = "Organization"
	issuerDIDPrefix     = "did:agri:qa:"
	exporterDIDPrefix   = "did:agri:exporter:"
	credentialURNPrefix = "urn:uuid:"
)

var credentialTypes = []string{"VerifiableCredential", "DigitalProductPassport", "AgriculturalQualityCertificate"}

// ErrInvalidInput is returned when a document cannot be built from the given facts.
var ErrInvalidInput = errors.New("credential: invalid input")

// Document is the credential as stored and served. Field order is the serialisation order.
type Document struct {
	Context           []string `json:"@context"`
	ID                string   `json:"id"`
	Type              []string `json:"type"`
	Issuer            Issuer   `json:"issuer"`
	IssuanceDate      string   `json:"issuanceDate"`
	CredentialSubject Subject  `json:"credentialSubject"`
	Proof             *Proof   `json:"proof,omitempty"`
}

type Issuer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Subject struct {
	ID                string            `json:"id"`
	BatchID           string            `json:"batchId"`
	Product           Product           `json:"product"`
	Origin            Origin            `json:"origin"`
	Destination       Destination       `json:"destination"`
	QualityAssessment QualityAssessment `json:"qualityAssessment"`
}

type Product struct {
	Type        string  `json:"type"`
	Variety     string  `json:"variety"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	HarvestDate string  `json:"harvestDate"`
}

type Origin struct {
	Country   string   `json:"country"`
	State     string   `json:"state"`
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type Destination struct {
	Country string `json:"country"`
}

type QualityAssessment struct {
	InspectionID       string   `json:"inspectionId"`
	Conclusion         string   `json:"conclusion"`
	OrganicStatus      string   `json:"organicStatus"`
	MoisturePercentage *float64 `json:"moisturePercentage"`
	ISOCodes           []string `json:"isoCodes"`
	Comments           string   `json:"comments"`
	CompletedDate      string   `json:"completedDate"`
}

// Proof is a detached JWS proof over the document without its proof member.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	JWS                string `json:"jws"`
}

// Input carries the facts attested by a credential. Values are copied verbatim.
type Input struct {
	AgencyID   string
	AgencyName string
	ExporterID string
	BatchID    string

	Product            Product
	Origin             Origin
	DestinationCountry string
	Assessment         QualityAssessment

	IssuedAt time.Time
}

// IssuerDID derives the issuer DID of a QA agency.
func IssuerDID(agencyID string) string { return issuerDIDPrefix + agencyID }

// HolderDID derives the subject DID of an exporter.
func HolderDID(exporterID string) string { return exporterDIDPrefix + exporterID }

// Build assembles an unsigned document.
func Build(in Input) (*Document, error) {
	if strings.TrimSpace(in.AgencyID) == "" || strings.TrimSpace(in.ExporterID) == "" {
		return nil, fmt.Errorf("%w: agency and exporter ids are required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.BatchID) == "" || strings.TrimSpace(in.Assessment.InspectionID) == "" {
		return nil, fmt.Errorf("%w: batch and inspection ids are required", ErrInvalidInput)
	}
	issued := in.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	isoCodes := in.Assessment.ISOCodes
	if isoCodes == nil {
		isoCodes = []string{}
	}
	assessment := in.Assessment
	assessment.ISOCodes = append([]string(nil), isoCodes...)

	return &Document{
		Context: []string{ContextCredentialsV1, ContextEd25519Suite},
		ID:      credentialURNPrefix + uuid.NewString(),
		Type:    append([]string(nil), credentialTypes...),
		Issuer: Issuer{
			ID:   IssuerDID(in.AgencyID),
			Name: in.AgencyName,
			Type: issuerTypeOrg,
		},
		IssuanceDate: issued.UTC().Format(time.RFC3339),
		CredentialSubject: Subject{
			ID:                HolderDID(in.ExporterID),
			BatchID:           in.BatchID,
			Product:           in.Product,
			Origin:            in.Origin,
			Destination:       Destination{Country: in.DestinationCountry},
			QualityAssessment: assessment,
		},
	}, nil
}

// Hash returns the lowercase hex SHA-256 digest of the stored credential bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
