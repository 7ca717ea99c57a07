package certify

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/ids"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/stream"
)

const dateLayout = "2006-01-02"

// AnchorQueue accepts credential ids for background anchoring. Enqueue must not block.
type AnchorQueue interface {
	Enqueue(credentialID string) error
}

// EventPublisher receives credential lifecycle notifications.
type EventPublisher interface {
	Publish(evt stream.Event)
}

// Service implements the certification workflow on top of a Store.
type Service struct {
	store     Store
	signer    *credential.Signer
	verifyKey ed25519.PublicKey
	queue     AnchorQueue
	events    EventPublisher
	now       func() time.Time

	newQRToken       func() (string, error)
	newTrackingToken func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSigner sets the key used to sign issued credentials. Its public key is also used
// to check signatures during verification.
func WithSigner(s *credential.Signer) Option {
	return func(svc *Service) {
		svc.signer = s
		if s != nil {
			svc.verifyKey = s.PublicKey()
		}
	}
}

// WithVerificationKey overrides the key used to check credential signatures.
func WithVerificationKey(pub ed25519.PublicKey) Option {
	return func(svc *Service) { svc.verifyKey = pub }
}

// WithAnchorQueue sets where newly issued credentials are sent for anchoring.
func WithAnchorQueue(q AnchorQueue) Option {
	return func(svc *Service) { svc.queue = q }
}

// WithEvents sets the publisher for lifecycle notifications.
func WithEvents(p EventPublisher) Option {
	return func(svc *Service) { svc.events = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) {
		if now != nil {
			svc.now = now
		}
	}
}

// WithTokenGenerator replaces the QR token generator.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(svc *Service) {
		if gen != nil {
			svc.newQRToken = gen
		}
	}
}

// NewService constructs a Service. A signer is required to issue credentials.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		now:              func() time.Time { return time.Now().UTC() },
		newQRToken:       ids.NewToken,
		newTrackingToken: ids.NewTrackingToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAnchorQueue wires the anchoring queue after construction; the worker and the
// service reference each other only through narrow interfaces.
func (s *Service) SetAnchorQueue(q AnchorQueue) { s.queue = q }

func (s *Service) publish(kind string, c Credential, msg string) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.Event{
		Kind:         kind,
		CredentialID: c.ID,
		BatchID:      c.BatchID,
		Message:      msg,
		Timestamp:    s.now(),
	})
}

// NewBatch is the exporter-supplied description of a batch.
type NewBatch struct {
	ProductType        string  `json:"product_type"`
	Variety            string  `json:"variety"`
	Quantity           float64 `json:"quantity"`
	Unit               string  `json:"unit"`
	Origin             Origin  `json:"origin"`
	DestinationCountry string  `json:"destination_country"`
	HarvestDate        string  `json:"harvest_date"`
	ExpectedShipDate   string  `json:"expected_ship_date"`
}

func (n NewBatch) validate() error {
	switch {
	case strings.TrimSpace(n.ProductType) == "":
		return fmt.Errorf("%w: product_type is required", ErrInvalidInput)
	case n.Quantity <= 0 || math.IsNaN(n.Quantity) || math.IsInf(n.Quantity, 0):
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	case strings.TrimSpace(n.Unit) == "":
		return fmt.Errorf("%w: unit is required", ErrInvalidInput)
	case strings.TrimSpace(n.Origin.Country) == "":
		return fmt.Errorf("%w: origin.country is required", ErrInvalidInput)
	case strings.TrimSpace(n.DestinationCountry) == "":
		return fmt.Errorf("%w: destination_country is required", ErrInvalidInput)
	}
	if lat := n.Origin.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("%w: origin.latitude out of range", ErrInvalidInput)
	}
	if lon := n.Origin.Longitude; lon != nil && (*lon < -180 || *lon > 180) {
		return fmt.Errorf("%w: origin.longitude out of range", ErrInvalidInput)
	}
	for name, v := range map[string]string{"harvest_date": n.HarvestDate, "expected_ship_date": n.ExpectedShipDate} {
		if err := checkDate(name, v); err != nil {
			return err
		}
	}
	return nil
}

func checkDate(name, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(dateLayout, v); err != nil {
		return fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalidInput, name)
	}
	return nil
}

// CreateBatch registers a batch for the calling exporter.
func (s *Service) CreateBatch(ctx context.Context, id auth.Identity, in NewBatch) (Batch, error) {
	if !id.HasRole(auth.RoleExporter) {
		return Batch{}, fmt.Errorf("create batch: %w", ErrForbidden)
	}
	if err := in.validate(); err != nil {
		return Batch{}, err
	}
	now := s.now()
	b := Batch{
		ID:                 ids.New(),
		ExporterID:         id.UserID,
		ProductType:        strings.TrimSpace(in.ProductType),
		Variety:            strings.TrimSpace(in.Variety),
		Quantity:           in.Quantity,
		Unit:               strings.TrimSpace(in.Unit),
		Origin:             in.Origin,
		DestinationCountry: strings.TrimSpace(in.DestinationCountry),
		HarvestDate:        in.HarvestDate,
		ExpectedShipDate:   in.ExpectedShipDate,
		Status:             BatchSubmitted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	// Tracking tokens are random; retry the rare collision.
	for attempt := 0; ; attempt++ {
		tok, err := s.newTrackingToken()
		if err != nil {
			return Batch{}, fmt.Errorf("tracking token: %w", err)
		}
		b.TrackingToken = tok
		err = s.store.CreateBatch(ctx, b)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= 2 {
			return Batch{}, storeErr("create batch", err)
		}
	}
}

// canViewBatch allows the owning exporter and every non-exporter role.
func canViewBatch(id auth.Identity, b Batch) bool {
	if id.HasAnyRole(auth.RoleAdmin, auth.RoleQAAgency, auth.RoleImporter) {
		return true
	}
	return id.HasRole(auth.RoleExporter) && b.ExporterID == id.UserID
}

// GetBatch returns a batch visible to the caller.
func (s *Service) GetBatch(ctx context.Context, id auth.Identity, batchID string) (Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Batch{}, storeErr("get batch", err)
	}
	if !canViewBatch(id, b) {
		return Batch{}, fmt.Errorf("get batch: %w", ErrForbidden)
	}
	return b, nil
}

// TrackBatch returns the public journey of a batch by tracking token.
func (s *Service) TrackBatch(ctx context.Context, trackingToken string) (Journey, error) {
	trackingToken = strings.ToUpper(strings.TrimSpace(trackingToken))
	if !ids.IsTrackingToken(trackingToken) {
		return Journey{}, fmt.Errorf("track batch: %w", ErrNotFound)
	}
	b, err := s.store.GetBatchByTrackingToken(ctx, trackingToken)
	if err != nil {
		return Journey{}, storeErr("track batch", err)
	}
	inspections, err := s.store.ListInspections(ctx, b.ID)
	if err != nil {
		return Journey{}, storeErr("list inspections", err)
	}
	creds, err := s.store.ListCredentialsByBatch(ctx, b.ID)
	if err != nil {
		return Journey{}, storeErr("list credentials", err)
	}
	j := Journey{Batch: b, Inspections: inspections, Credentials: make([]CredentialSummary, 0, len(creds))}
	if j.Inspections == nil {
		j.Inspections = []Inspection{}
	}
	for _, c := range creds {
		j.Credentials = append(j.Credentials, summarize(c))
	}
	return j, nil
}

// ScheduleInput describes a new inspection.
type ScheduleInput struct {
	ScheduledDate string `json:"scheduled_date"`
}

// ScheduleInspection opens a pending inspection for the calling agency and moves the
// batch to Under Inspection. A batch has at most one pending inspection.
func (s *Service) ScheduleInspection(ctx context.Context, id auth.Identity, batchID string, in ScheduleInput) (Inspection, error) {
	if !id.HasRole(auth.RoleQAAgency) {
		return Inspection{}, fmt.Errorf("schedule inspection: %w", ErrForbidden)
	}
	if err := checkDate("scheduled_date", in.ScheduledDate); err != nil {
		return Inspection{}, err
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Inspection{}, storeErr("get batch", err)
	}
	if err := transitionBatch(b.Status, BatchUnderInspection); err != nil {
		return Inspection{}, err
	}
	now := s.now()
	scheduled := in.ScheduledDate
	if scheduled == "" {
		scheduled = now.Format(dateLayout)
	}
	insp := Inspection{
		ID:            ids.New(),
		BatchID:       b.ID,
		AgencyID:      id.UserID,
		Status:        InspectionPending,
		ScheduledDate: scheduled,
		ISOCodes:      []string{},
		CreatedAt:     now,
	}
	tr := BatchTransition{BatchID: b.ID, From: b.Status, To: BatchUnderInspection, At: now}
	if err := s.store.CreateInspection(ctx, insp, tr); err != nil {
		return Inspection{}, storeErr("create inspection", err)
	}
	return insp, nil
}

// CompleteInput is the outcome recorded by a QA agency.
type CompleteInput struct {
	Conclusion         Conclusion `json:"conclusion"`
	OrganicStatus      string     `json:"organic_status"`
	MoisturePercentage *float64   `json:"moisture_percentage"`
	ISOCodes           []string   `json:"iso_codes"`
	Comments           string     `json:"comments"`
	CompletedDate      string     `json:"completed_date"`
}

// CompleteInspection records the outcome of a pending inspection and moves its batch to
// Certified (Pass, Conditional Pass) or Rejected (Fail).
func (s *Service) CompleteInspection(ctx context.Context, id auth.Identity, inspectionID string, in CompleteInput) (Inspection, error) {
	if !id.HasRole(auth.RoleQAAgency) {
		return Inspection{}, fmt.Errorf("complete inspection: %w", ErrForbidden)
	}
	if !in.Conclusion.Valid() {
		return Inspection{}, fmt.Errorf("%w: conclusion must be Pass, Fail or Conditional Pass", ErrInvalidInput)
	}
	if m := in.MoisturePercentage; m != nil && (*m < 0 || *m > 100) {
		return Inspection{}, fmt.Errorf("%w: moisture_percentage out of range", ErrInvalidInput)
	}
	if err := checkDate("completed_date", in.CompletedDate); err != nil {
		return Inspection{}, err
	}
	insp, err := s.store.GetInspection(ctx, inspectionID)
	if err != nil {
		return Inspection{}, storeErr("get inspection", err)
	}
	if insp.AgencyID != id.UserID {
		return Inspection{}, fmt.Errorf("complete inspection: %w", ErrForbidden)
	}
	if insp.Status != InspectionPending {
		return Inspection{}, fmt.Errorf("%w: inspection is %s", ErrInvalidTransition, insp.Status)
	}
	b, err := s.store.GetBatch(ctx, insp.BatchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Inspection{}, fmt.Errorf("inspection %s batch: %w", insp.ID, ErrReferencedEntityMissing)
		}
		return Inspection{}, storeErr("get batch", err)
	}
	outcome := in.Conclusion.BatchOutcome()
	if err := transitionBatch(b.Status, outcome); err != nil {
		return Inspection{}, err
	}

	now := s.now()
	insp.Status = InspectionCompleted
	insp.Conclusion = in.Conclusion
	insp.OrganicStatus = strings.TrimSpace(in.OrganicStatus)
	insp.MoisturePercentage = in.MoisturePercentage
	insp.ISOCodes = cleanCodes(in.ISOCodes)
	insp.Comments = in.Comments
	insp.CompletedDate = in.CompletedDate
	if insp.CompletedDate == "" {
		insp.CompletedDate = now.Format(dateLayout)
	}
	tr := BatchTransition{BatchID: b.ID, From: b.Status, To: outcome, At: now}
	if err := s.store.CompleteInspection(ctx, insp, tr); err != nil {
		return Inspection{}, storeErr("complete inspection", err)
	}
	return insp, nil
}

// GetInspection returns an inspection visible to the caller.
func (s *Service) GetInspection(ctx context.Context, id auth.Identity, inspectionID string) (Inspection, error) {
	insp, err := s.store.GetInspection(ctx, inspectionID)
	if err != nil {
		return Inspection{}, storeErr("get inspection", err)
	}
	b, err := s.store.GetBatch(ctx, insp.BatchID)
	if err != nil {
		return Inspection{}, storeErr("get batch", err)
	}
	if !canViewBatch(id, b) {
		return Inspection{}, fmt.Errorf("get inspection: %w", ErrForbidden)
	}
	return insp, nil
}

// ListCredentialsForBatch returns credentials issued for a batch visible to the caller.
func (s *Service) ListCredentialsForBatch(ctx context.Context, id auth.Identity, batchID string) ([]Credential, error) {
	if _, err := s.GetBatch(ctx, id, batchID); err != nil {
		return nil, err
	}
	creds, err := s.store.ListCredentialsByBatch(ctx, batchID)
	if err != nil {
		return nil, storeErr("list credentials", err)
	}
	if creds == nil {
		creds = []Credential{}
	}
	return creds, nil
}

func cleanCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func logMissingReference(op string, c Credential, err error) {
	obs.Error("credential references missing entity", map[string]any{
		"op":            op,
		"credential_id": c.ID,
		"batch_id":      c.BatchID,
		"inspection_id": c.InspectionID,
		"error":         err,
	})
}
