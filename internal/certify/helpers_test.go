package certify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/stream"
)

var (
	exporter = auth.Identity{UserID: "E7", Name: "Green Valley Coffee", Roles: []string{auth.RoleExporter}}
	agency   = auth.Identity{UserID: "Q1", Name: "Kenya Plant Health Inspectorate", Roles: []string{auth.RoleQAAgency}}
	agency2  = auth.Identity{UserID: "Q2", Name: "Other Agency", Roles: []string{auth.RoleQAAgency}}
	admin    = auth.Identity{UserID: "A1", Roles: []string{auth.RoleAdmin}}
	importer = auth.Identity{UserID: "I9", Roles: []string{auth.RoleImporter}}
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recordingEvents) Publish(evt stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEvents) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// countingStore counts credential lookups by token.
type countingStore struct {
	*InMemory
	tokenLookups atomic.Int64
}

func (c *countingStore) GetCredentialByToken(ctx context.Context, token string) (Credential, error) {
	c.tokenLookups.Add(1)
	return c.InMemory.GetCredentialByToken(ctx, token)
}

type fixture struct {
	store  *InMemory
	svc    *Service
	queue  *recordingQueue
	events *recordingEvents
	signer *credential.Signer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := credential.NewSigner(bytes.Repeat([]byte{1}, ed25519.SeedSize), "key-1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	f := &fixture{
		store:  NewInMemory(),
		queue:  &recordingQueue{},
		events: &recordingEvents{},
		signer: signer,
		now:    time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store,
		WithSigner(signer),
		WithAnchorQueue(f.queue),
		WithEvents(f.events),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func sampleBatch() NewBatch {
	lat, lon := -0.4167, 36.95
	return NewBatch{
		ProductType:        "Coffee",
		Variety:            "SL28",
		Quantity:           1200,
		Unit:               "kg",
		Origin:             Origin{Country: "Kenya", State: "Nyeri", Address: "Plot 12", Latitude: &lat, Longitude: &lon},
		DestinationCountry: "Germany",
		HarvestDate:        "2025-01-15",
		ExpectedShipDate:   "2025-03-01",
	}
}

func (f *fixture) batch(t *testing.T) Batch {
	t.Helper()
	b, err := f.svc.CreateBatch(context.Background(), exporter, sampleBatch())
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func (f *fixture) completedInspection(t *testing.T, b Batch, conclusion Conclusion) Inspection {
	t.Helper()
	ctx := context.Background()
	insp, err := f.svc.ScheduleInspection(ctx, agency, b.ID, ScheduleInput{ScheduledDate: "2025-01-20"})
	if err != nil {
		t.Fatalf("ScheduleInspection: %v", err)
	}
	moisture := 11.5
	insp, err = f.svc.CompleteInspection(ctx, agency, insp.ID, CompleteInput{
		Conclusion:         conclusion,
		OrganicStatus:      "Certified Organic",
		MoisturePercentage: &moisture,
		ISOCodes:           []string{"ISO 22000", " ", "ISO 3509"},
		Comments:           "Uniform bean size",
		CompletedDate:      "2025-01-31",
	})
	if err != nil {
		t.Fatalf("CompleteInspection: %v", err)
	}
	return insp
}

func (f *fixture) issued(t *testing.T) (Batch, Inspection, Credential) {
	t.Helper()
	b := f.batch(t)
	insp := f.completedInspection(t, b, ConclusionPass)
	c, err := f.svc.Issue(context.Background(), agency, insp.ID, b.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return b, insp, c
}
