package casenote

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
	"github.com/ehr/casenote/internal/platform/refdata"
)

// memStore backs every repository with maps. WithinTx snapshots the maps
// and restores them when fn fails, so rollback is observable.
type memStore struct {
	mu        sync.Mutex
	notes     map[uuid.UUID]CaseNote
	handovers map[uuid.UUID]Handover
	batches   map[uuid.UUID]Batch
	events    []timeline.Event
	seq       int64

	failAppend error
}

type memSnapshot struct {
	notes     map[uuid.UUID]CaseNote
	handovers map[uuid.UUID]Handover
	batches   map[uuid.UUID]Batch
	events    []timeline.Event
}

func newMemStore() *memStore {
	return &memStore{
		notes:     make(map[uuid.UUID]CaseNote),
		handovers: make(map[uuid.UUID]Handover),
		batches:   make(map[uuid.UUID]Batch),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	snap := memSnapshot{
		notes:     make(map[uuid.UUID]CaseNote, len(s.notes)),
		handovers: make(map[uuid.UUID]Handover, len(s.handovers)),
		batches:   make(map[uuid.UUID]Batch, len(s.batches)),
		events:    append([]timeline.Event(nil), s.events...),
	}
	for k, v := range s.notes {
		snap.notes[k] = v
	}
	for k, v := range s.handovers {
		snap.handovers[k] = v
	}
	for k, v := range s.batches {
		snap.batches[k] = v
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.notes, s.handovers, s.batches, s.events = snap.notes, snap.handovers, snap.batches, snap.events
		s.mu.Unlock()
		return err
	}
	return nil
}

// -- case notes --

type memNotes struct{ *memStore }

func (r memNotes) NextRequestSeq(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r memNotes) LockPatient(context.Context, uuid.UUID) error { return nil }

func (r memNotes) CountBlocking(_ context.Context, patientID uuid.UUID, exclude *uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cn := range r.notes {
		if cn.PatientID != patientID || (exclude != nil && cn.ID == *exclude) {
			continue
		}
		if cn.Blocking() {
			n++
		}
	}
	return n, nil
}

func (r memNotes) Create(_ context.Context, cn *CaseNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[cn.ID]; ok {
		return ErrDuplicate
	}
	r.notes[cn.ID] = *cn
	return nil
}

func (r memNotes) GetByID(_ context.Context, id uuid.UUID) (*CaseNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, ok := r.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cn, nil
}

func (r memNotes) GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseNote, error) {
	return r.GetByID(ctx, id)
}

func (r memNotes) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*CaseNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CaseNote
	for _, cn := range r.notes {
		if cn.BatchID != nil && *cn.BatchID == batchID {
			c := cn
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

func (r memNotes) ListByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]*CaseNote, error) {
	return r.ListByBatch(ctx, batchID)
}

func (r memNotes) Search(_ context.Context, f CaseNoteFilter, limit, offset int) ([]*CaseNote, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*CaseNote
	for _, cn := range r.notes {
		switch {
		case f.PatientID != nil && cn.PatientID != *f.PatientID,
			f.Status != nil && cn.Status != *f.Status,
			f.CustodianID != nil && !cn.isCustodian(*f.CustodianID),
			f.RequestedBy != nil && cn.RequestedBy != *f.RequestedBy,
			f.BatchID != nil && (cn.BatchID == nil || *cn.BatchID != *f.BatchID):
			continue
		}
		c := cn
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestNumber > all[j].RequestNumber })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memNotes) Update(_ context.Context, cn *CaseNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.notes[cn.ID]
	if !ok || stored.Version != cn.Version {
		return ErrStale
	}
	cn.Version++
	r.notes[cn.ID] = *cn
	return nil
}

func (r memNotes) UpdateMany(ctx context.Context, cns []*CaseNote) error {
	for _, cn := range cns {
		if err := r.Update(ctx, cn); err != nil {
			return err
		}
	}
	return nil
}

func (r memNotes) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[id]; !ok {
		return ErrNotFound
	}
	delete(r.notes, id)
	return nil
}

// -- handovers --

type memHandovers struct{ *memStore }

func (r memHandovers) Create(_ context.Context, h *Handover) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.handovers {
		if other.CaseNoteID == h.CaseNoteID && other.Active() {
			return ErrDuplicate
		}
	}
	r.handovers[h.ID] = *h
	return nil
}

func (r memHandovers) GetByID(_ context.Context, id uuid.UUID) (*Handover, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handovers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (r memHandovers) GetForUpdate(ctx context.Context, id uuid.UUID) (*Handover, error) {
	return r.GetByID(ctx, id)
}

func (r memHandovers) Update(_ context.Context, h *Handover) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.handovers[h.ID]
	if !ok || stored.Version != h.Version {
		return ErrStale
	}
	h.Version++
	r.handovers[h.ID] = *h
	return nil
}

func (r memHandovers) ListByCaseNote(_ context.Context, caseNoteID uuid.UUID, limit, offset int) ([]*Handover, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Handover
	for _, h := range r.handovers {
		if h.CaseNoteID == caseNoteID {
			c := h
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestedAt.After(all[j].RequestedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memHandovers) mark(cutoff, now time.Time, field func(*Handover) **time.Time) []*Handover {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Handover
	for id, h := range r.handovers {
		if h.Status != TransferPending || *field(&h) != nil || h.RequestedAt.After(cutoff) {
			continue
		}
		at := now
		*field(&h) = &at
		h.Version++
		h.UpdatedAt = now
		r.handovers[id] = h
		c := h
		out = append(out, &c)
	}
	return out
}

func (r memHandovers) MarkOverdue(_ context.Context, cutoff, now time.Time) ([]*Handover, error) {
	return r.mark(cutoff, now, func(h *Handover) **time.Time { return &h.OverdueAt }), nil
}

func (r memHandovers) MarkEscalated(_ context.Context, cutoff, now time.Time) ([]*Handover, error) {
	return r.mark(cutoff, now, func(h *Handover) **time.Time { return &h.EscalatedAt }), nil
}

// -- batches --

type memBatches struct{ *memStore }

func (r memBatches) NextBatchSeq(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r memBatches) Create(_ context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *b
	stored.Items = nil
	r.batches[b.ID] = stored
	return nil
}

func (r memBatches) GetByID(_ context.Context, id uuid.UUID) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r memBatches) GetForUpdate(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return r.GetByID(ctx, id)
}

func (r memBatches) Update(_ context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.batches[b.ID]
	if !ok || stored.Version != b.Version {
		return ErrStale
	}
	b.Version++
	stored = *b
	stored.Items = nil
	r.batches[b.ID] = stored
	return nil
}

// -- timeline --

// memTimeline stores events the way the database does: the metadata is
// encoded and decoded again so tests see exactly what a reader would.
type memTimeline struct{ *memStore }

func (r memTimeline) Append(_ context.Context, caseNoteID uuid.UUID, t timeline.EventType, actor *uuid.UUID, reason string, md timeline.Metadata, occurredAt time.Time) (*timeline.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppend != nil {
		return nil, r.failAppend
	}
	raw, err := timeline.EncodeMetadata(md)
	if err != nil {
		return nil, err
	}
	decoded, err := timeline.DecodeMetadata(t, raw)
	if err != nil {
		return nil, err
	}
	e := timeline.Event{
		ID:         uuid.New(),
		CaseNoteID: caseNoteID,
		Seq:        int64(len(r.events) + 1),
		Type:       t,
		ActorID:    actor,
		Reason:     reason,
		Metadata:   decoded,
		OccurredAt: occurredAt,
	}
	r.events = append(r.events, e)
	return &e, nil
}

func (s *memStore) eventsFor(id uuid.UUID) []timeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []timeline.Event
	for _, e := range s.events {
		if e.CaseNoteID == id {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) countEvents(id uuid.UUID, t timeline.EventType) int {
	n := 0
	for _, e := range s.eventsFor(id) {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *memStore) note(t *testing.T, id uuid.UUID) CaseNote {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	cn, ok := s.notes[id]
	if !ok {
		t.Fatalf("case note %s not stored", id)
	}
	return cn
}

// -- fixture --

type fixture struct {
	svc   *Service
	store *memStore
	refs  *refdata.Static
	roles auth.StaticRoles
	now   time.Time

	ca, ca2, mr uuid.UUID
	dept, doc   uuid.UUID
	loc         uuid.UUID
	dept2, doc2 uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	refs := refdata.NewStatic()
	f := &fixture{
		store: store,
		refs:  refs,
		now:   time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		ca:    uuid.New(),
		ca2:   uuid.New(),
		mr:    uuid.New(),
	}
	f.dept = refs.AddDepartment("Cardiology")
	f.doc = refs.AddDoctor("Dr Tan", f.dept)
	f.loc = refs.AddLocation("Clinic 3")
	f.dept2 = refs.AddDepartment("Orthopaedics")
	f.doc2 = refs.AddDoctor("Dr Lim", f.dept2)
	f.roles = auth.StaticRoles{
		f.ca:  {auth.RoleCA},
		f.ca2: {auth.RoleCA},
		f.mr:  {auth.RoleMRStaff},
	}

	f.svc = NewService(
		memNotes{store}, memHandovers{store}, memBatches{store}, memTimeline{store},
		store, auth.NewRoleAuthorizer(f.roles, time.Minute), refs,
	)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) tick(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) patient() uuid.UUID {
	return f.refs.AddPatient("MRN-"+uuid.NewString()[:8], "Test Patient")
}

func (f *fixture) create(t *testing.T, patient uuid.UUID) *CaseNote {
	t.Helper()
	cn, err := f.svc.Create(context.Background(), f.ca, CreateRequest{
		PatientID:    patient,
		DepartmentID: &f.dept,
		DoctorID:     &f.doc,
		Purpose:      "clinic review",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return cn
}

// held returns a case note approved and received by f.ca.
func (f *fixture) held(t *testing.T) *CaseNote {
	t.Helper()
	ctx := context.Background()
	cn := f.create(t, f.patient())
	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	cn, err := f.svc.MarkReceived(ctx, f.ca, cn.ID)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return cn
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s: %v", kind, got, err)
	}
}

var errBoom = errors.New("boom")
