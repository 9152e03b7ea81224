// Package records is the patient CRUD layer. It authorizes each request,
// seals clinical fields with the field cipher, persists the row and then
// appends an audit entry describing what changed.
//
// Audit details carry the patient ID and the names of changed fields only.
// Clinical values never reach the audit log.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/fieldcipher"
	"github.com/medrec/medrec/internal/policy"
)

// Authorizer decides whether a role may perform a request.
// *policy.Engine satisfies it.
type Authorizer interface {
	Authorize(req policy.Request) error
}

// Input is the data for a new patient.
type Input struct {
	Name      string
	DOB       string
	Gender    string
	Address   string
	Phone     string
	Diagnosis string
	Treatment string
}

// Changes is a partial update. Nil fields are left as they are.
type Changes struct {
	Name      *string
	DOB       *string
	Gender    *string
	Address   *string
	Phone     *string
	Diagnosis *string
	Treatment *string
}

// named returns the policy field names of every non-nil field, in a fixed
// order.
func (ch Changes) named() []string {
	var fields []string
	for _, f := range []struct {
		name string
		v    *string
	}{
		{policy.FieldName, ch.Name},
		{policy.FieldDOB, ch.DOB},
		{policy.FieldGender, ch.Gender},
		{policy.FieldAddress, ch.Address},
		{policy.FieldPhone, ch.Phone},
		{policy.FieldDiagnosis, ch.Diagnosis},
		{policy.FieldTreatment, ch.Treatment},
	} {
		if f.v != nil {
			fields = append(fields, f.name)
		}
	}
	return fields
}

// Record is a patient with its clinical fields opened.
type Record struct {
	Patient
	Clinical
}

// ReencryptReport summarizes a Reencrypt run.
type ReencryptReport struct {
	Total       int
	Reencrypted int
	Failed      []string // IDs whose blobs could not be opened with the old key.
	Stranded    []string // IDs an aborted run could not restore to the old key.
	Algorithm   fieldcipher.Algorithm
}

// Service is the record layer.
type Service struct {
	store Store
	chain *audit.Chain
	auth  Authorizer
	now   func() time.Time
	newID func() string

	mu     sync.RWMutex
	cipher *fieldcipher.Cipher
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock replaces the clock used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the patient ID generator.
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// NewService wires a record layer. auth may be nil, in which case the
// built-in policy is used.
func NewService(store Store, chain *audit.Chain, c *fieldcipher.Cipher, auth Authorizer, opts ...ServiceOption) *Service {
	if auth == nil {
		auth = policy.Default()
	}
	s := &Service{
		store:  store,
		chain:  chain,
		cipher: c,
		auth:   auth,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) currentCipher() *fieldcipher.Cipher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher
}

// Create registers a patient.
func (s *Service) Create(ctx context.Context, role audit.Role, in Input) (Patient, error) {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionCreate}); err != nil {
		return Patient{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return Patient{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	sealed, err := seal(s.currentCipher(), Clinical{Diagnosis: in.Diagnosis, Treatment: in.Treatment})
	if err != nil {
		return Patient{}, err
	}

	now := s.now().UTC()
	p := Patient{
		ID:        s.newID(),
		Name:      in.Name,
		DOB:       in.DOB,
		Gender:    in.Gender,
		Address:   in.Address,
		Phone:     in.Phone,
		Sealed:    sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return Patient{}, fmt.Errorf("storing patient: %w", err)
	}
	if err := s.record(ctx, role, audit.ActionCreate, fmt.Sprintf("patient %s created", p.ID)); err != nil {
		return p, err
	}
	return p, nil
}

// Update applies ch to patient id. Authorization covers every field ch
// names, whether or not its value changes, and happens before the record is
// read or opened. Only the fields that actually change are audited; an
// update that changes nothing writes nothing.
func (s *Service) Update(ctx context.Context, role audit.Role, id string, ch Changes) (Patient, error) {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionUpdate, Fields: ch.named()}); err != nil {
		return Patient{}, err
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Patient{}, err
	}
	if p.Deleted {
		return Patient{}, fmt.Errorf("%w: %s", ErrDeleted, id)
	}

	c := s.currentCipher()
	clinical, err := open(c, p.Sealed)
	if err != nil {
		return Patient{}, fmt.Errorf("patient %s: %w", id, err)
	}

	var fields []string
	apply := func(name string, dst *string, src *string) {
		if src != nil && *src != *dst {
			*dst = *src
			fields = append(fields, name)
		}
	}
	apply(policy.FieldName, &p.Name, ch.Name)
	apply(policy.FieldDOB, &p.DOB, ch.DOB)
	apply(policy.FieldGender, &p.Gender, ch.Gender)
	apply(policy.FieldAddress, &p.Address, ch.Address)
	apply(policy.FieldPhone, &p.Phone, ch.Phone)
	apply(policy.FieldDiagnosis, &clinical.Diagnosis, ch.Diagnosis)
	apply(policy.FieldTreatment, &clinical.Treatment, ch.Treatment)

	if len(fields) == 0 {
		return p, nil
	}
	if strings.TrimSpace(p.Name) == "" {
		return Patient{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	if p.Sealed, err = seal(c, clinical); err != nil {
		return Patient{}, err
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return Patient{}, fmt.Errorf("storing patient: %w", err)
	}
	details := fmt.Sprintf("patient %s updated: %s", p.ID, strings.Join(fields, ", "))
	if err := s.record(ctx, role, audit.ActionUpdate, details); err != nil {
		return p, err
	}
	return p, nil
}

// UpdateTreatment replaces only the treatment notes.
func (s *Service) UpdateTreatment(ctx context.Context, role audit.Role, id, treatment string) (Patient, error) {
	return s.Update(ctx, role, id, Changes{Treatment: &treatment})
}

// Delete retires patient id. The row and its blob stay in storage so the
// audit trail keeps pointing at something.
func (s *Service) Delete(ctx context.Context, role audit.Role, id string) error {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionDelete}); err != nil {
		return err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	p.Deleted = true
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("storing patient: %w", err)
	}
	return s.record(ctx, role, audit.ActionDelete, fmt.Sprintf("patient %s deleted", id))
}

// View opens the patient's clinical fields and records the access.
func (s *Service) View(ctx context.Context, role audit.Role, id string) (Record, error) {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionView}); err != nil {
		return Record{}, err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if p.Deleted {
		return Record{}, fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	clinical, err := open(s.currentCipher(), p.Sealed)
	if err != nil {
		slog.Error("cannot decrypt patient record", "patient", id, "error", err)
		return Record{}, fmt.Errorf("patient %s: %w", id, err)
	}
	if err := s.record(ctx, role, audit.ActionView, fmt.Sprintf("patient %s viewed", id)); err != nil {
		return Record{}, err
	}
	return Record{Patient: p, Clinical: clinical}, nil
}

// Get returns the stored row without opening it.
func (s *Service) Get(ctx context.Context, role audit.Role, id string) (Patient, error) {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionView}); err != nil {
		return Patient{}, err
	}
	return s.store.Get(ctx, id)
}

// List returns the patients that have not been deleted, oldest first.
// Clinical fields stay sealed.
func (s *Service) List(ctx context.Context, role audit.Role) ([]Patient, error) {
	if err := s.auth.Authorize(policy.Request{Role: role, Action: audit.ActionView}); err != nil {
		return nil, err
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !p.Deleted {
			out = append(out, p)
		}
	}
	SortByCreation(out)
	return out, nil
}

// Reencrypt moves every stored blob, deleted records included, from one
// key to another. Blobs that do not open under from are left untouched and
// listed in the report. On success the service seals with to.
//
// Every blob is sealed under the new key before any row is written. If
// writing is cut short by ctx or a store error, rows already converted are
// restored to their old blobs, the service keeps sealing with from, and the
// aborted run is still recorded in the audit log. Rows that could not be
// restored are listed in Stranded.
func (s *Service) Reencrypt(ctx context.Context, role audit.Role, from, to *fieldcipher.Cipher) (ReencryptReport, error) {
	req := policy.Request{Role: role, Action: audit.ActionUpdate, Fields: []string{policy.FieldEncryptionKey}}
	if err := s.auth.Authorize(req); err != nil {
		return ReencryptReport{}, err
	}
	if from == nil || to == nil {
		return ReencryptReport{}, errors.New("reencrypt: both ciphers are required")
	}

	all, err := s.store.List(ctx)
	if err != nil {
		return ReencryptReport{}, err
	}

	report := ReencryptReport{Total: len(all), Algorithm: to.Algorithm()}
	type rewrite struct{ old, next Patient }
	var pending []rewrite
	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return ReencryptReport{}, err
		}
		plaintext, err := from.Open(p.Sealed)
		if err != nil {
			slog.Warn("skipping record that does not open under the old key", "patient", p.ID, "error", err)
			report.Failed = append(report.Failed, p.ID)
			continue
		}
		sealed, err := to.Seal(plaintext)
		if err != nil {
			return ReencryptReport{}, err
		}
		next := p
		next.Sealed = sealed
		next.UpdatedAt = s.now().UTC()
		pending = append(pending, rewrite{old: p, next: next})
	}

	var written []Patient
	for _, rw := range pending {
		err := ctx.Err()
		if err == nil {
			if err = s.store.Update(ctx, rw.next); err != nil {
				err = fmt.Errorf("storing patient %s: %w", rw.next.ID, err)
			}
		}
		if err != nil {
			return s.abortReencrypt(ctx, role, report, written, err)
		}
		written = append(written, rw.old)
		report.Reencrypted++
	}

	s.mu.Lock()
	s.cipher = to
	s.mu.Unlock()

	details := fmt.Sprintf("records re-encrypted: %d of %d (%s)", report.Reencrypted, report.Total, report.Algorithm)
	if len(report.Failed) > 0 {
		details += fmt.Sprintf(", %d failed", len(report.Failed))
	}
	if err := s.record(ctx, role, audit.ActionUpdate, details); err != nil {
		return report, err
	}
	slog.Info("re-encryption finished", "total", report.Total, "reencrypted", report.Reencrypted, "failed", len(report.Failed))
	return report, nil
}

// abortReencrypt puts the rows in written back under their old blobs and
// records the aborted run. It runs detached from ctx cancellation so an
// interrupt cannot also stop the cleanup.
func (s *Service) abortReencrypt(ctx context.Context, role audit.Role, report ReencryptReport, written []Patient, cause error) (ReencryptReport, error) {
	cleanup := context.WithoutCancel(ctx)
	for _, old := range written {
		if err := s.store.Update(cleanup, old); err != nil {
			slog.Error("cannot restore record after aborted re-encryption", "patient", old.ID, "error", err)
			report.Stranded = append(report.Stranded, old.ID)
		}
	}
	report.Reencrypted = len(report.Stranded)
	slog.Error("re-encryption aborted", "written", len(written), "stranded", len(report.Stranded), "error", cause)

	if len(written) == 0 {
		return report, fmt.Errorf("reencrypt aborted: %w", cause)
	}
	details := fmt.Sprintf("records re-encryption aborted: %d of %d restored", len(written)-len(report.Stranded), len(written))
	if len(report.Stranded) > 0 {
		details += fmt.Sprintf(", left under new key: %s", strings.Join(report.Stranded, ", "))
	}
	if err := s.record(cleanup, role, audit.ActionUpdate, details); err != nil {
		return report, errors.Join(fmt.Errorf("reencrypt aborted: %w", cause), err)
	}
	return report, fmt.Errorf("reencrypt aborted: %w", cause)
}

// record appends an audit entry. The row is already persisted when this
// runs, so a failure here is reported with that context.
func (s *Service) record(ctx context.Context, role audit.Role, action audit.Action, details string) error {
	if _, err := s.chain.Record(ctx, role, action, details); err != nil {
		slog.Error("audit append failed after record was stored", "action", action, "details", details, "error", err)
		return fmt.Errorf("record stored but audit append failed: %w", err)
	}
	return nil
}

func seal(c *fieldcipher.Cipher, clinical Clinical) ([]byte, error) {
	data, err := json.Marshal(clinical)
	if err != nil {
		return nil, fmt.Errorf("encoding clinical fields: %w", err)
	}
	return c.Seal(data)
}

func open(c *fieldcipher.Cipher, blob []byte) (Clinical, error) {
	data, err := c.Open(blob)
	if err != nil {
		return Clinical{}, err
	}
	var clinical Clinical
	if err := json.Unmarshal(data, &clinical); err != nil {
		return Clinical{}, fmt.Errorf("decoding clinical fields: %w", err)
	}
	return clinical, nil
}
