package records

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/fieldcipher"
	"github.com/medrec/medrec/internal/policy"
)

type fixture struct {
	svc    *Service
	store  *MemoryStore
	chain  *audit.Chain
	cipher *fieldcipher.Cipher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := fieldcipher.GenerateKey()
	require.NoError(t, err)
	c, err := fieldcipher.New(key)
	require.NoError(t, err)

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("p-%03d", n)
	}

	store := NewMemoryStore()
	chain := audit.New(audit.NewMemoryStore(), audit.WithClock(tick))
	svc := NewService(store, chain, c, policy.Default(), WithClock(tick), WithIDGenerator(ids))
	return &fixture{svc: svc, store: store, chain: chain, cipher: c}
}

func (f *fixture) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := f.chain.Entries(context.Background())
	require.NoError(t, err)
	return entries
}

func TestCreateAndView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{
		Name:      "Jane Roe",
		DOB:       "1980-04-02",
		Diagnosis: "Stage II Diabetes",
		Treatment: "Metformin",
	})
	require.NoError(t, err)
	assert.Equal(t, "p-001", p.ID)
	assert.NotContains(t, string(p.Sealed), "Diabetes")

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Sealed, stored.Sealed)

	rec, err := f.svc.View(ctx, audit.RoleNurse, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Stage II Diabetes", rec.Diagnosis)
	assert.Equal(t, "Metformin", rec.Treatment)
	assert.Equal(t, "Jane Roe", rec.Name)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Equal(t, "patient p-001 created", entries[0].Details)
	assert.Equal(t, audit.RoleNurse, entries[1].Role)
	assert.Equal(t, audit.ActionView, entries[1].Action)

	for _, e := range entries {
		assert.NotContains(t, e.Details, "Diabetes")
		assert.NotContains(t, e.Details, "Metformin")
	}
	assert.True(t, audit.Verify(entries).Valid)
}

func TestCreate_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, audit.RoleNurse, Input{Name: "X"})
	assert.ErrorIs(t, err, policy.ErrDenied)

	_, err = f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.entries(t))
	all, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdate_RecordsChangedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Diagnosis: "flu", Treatment: "rest"})
	require.NoError(t, err)

	diag, phone, same := "pneumonia", "555-0100", "Jane"
	_, err = f.svc.Update(ctx, audit.RoleDoctor, p.ID, Changes{Diagnosis: &diag, Phone: &phone, Name: &same})
	require.NoError(t, err)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "patient p-001 updated: phone, diagnosis", entries[1].Details)

	rec, err := f.svc.View(ctx, audit.RoleDoctor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "pneumonia", rec.Diagnosis)
	assert.Equal(t, "rest", rec.Treatment)
	assert.Equal(t, "555-0100", rec.Phone)
}

func TestUpdate_NoChangeIsNotAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Treatment: "rest"})
	require.NoError(t, err)

	same := "rest"
	_, err = f.svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Treatment: &same})
	require.NoError(t, err)
	assert.Len(t, f.entries(t), 1)
}

func TestUpdateTreatment_NursePermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Diagnosis: "flu"})
	require.NoError(t, err)

	_, err = f.svc.UpdateTreatment(ctx, audit.RoleNurse, p.ID, "fluids")
	require.NoError(t, err)

	diag := "cold"
	_, err = f.svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &diag})
	assert.ErrorIs(t, err, policy.ErrDenied)

	_, err = f.svc.UpdateTreatment(ctx, audit.RoleAdmin, p.ID, "surgery")
	assert.ErrorIs(t, err, policy.ErrDenied)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.RoleNurse, entries[1].Role)
	assert.Equal(t, "patient p-001 updated: treatment", entries[1].Details)

	rec, err := f.svc.View(ctx, audit.RoleAdmin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "fluids", rec.Treatment)
	assert.Equal(t, "flu", rec.Diagnosis)
}

type denyAll struct{ calls int }

func (d *denyAll) Authorize(policy.Request) error {
	d.calls++
	return policy.ErrDenied
}

func TestUpdate_AuthorizesBeforeOpening(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Diagnosis: "Stage II Diabetes"})
	require.NoError(t, err)

	deny := &denyAll{}
	svc := NewService(f.store, f.chain, f.cipher, deny)

	right, wrong := "Stage II Diabetes", "Flu"
	_, errRight := svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &right})
	_, errWrong := svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &wrong})
	assert.ErrorIs(t, errRight, policy.ErrDenied, "an unchanged value must not bypass authorization")
	assert.ErrorIs(t, errWrong, policy.ErrDenied)
	assert.Equal(t, errRight.Error(), errWrong.Error(), "denial must not depend on the sealed value")

	_, err = svc.Update(ctx, audit.RoleNurse, p.ID, Changes{})
	assert.ErrorIs(t, err, policy.ErrDenied)

	// A corrupt blob must not surface a decryption error to a denied caller.
	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	stored.Sealed[len(stored.Sealed)-1] ^= 0x01
	require.NoError(t, f.store.Update(ctx, stored))

	_, err = svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &right})
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.NotErrorIs(t, err, fieldcipher.ErrAuthenticationFailed)

	_, err = svc.Update(ctx, audit.RoleNurse, "missing", Changes{Diagnosis: &right})
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 5, deny.calls)
	assert.Len(t, f.entries(t), 1)
}

func TestUpdate_NurseDeniedForUnchangedDiagnosis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Diagnosis: "flu", Treatment: "rest"})
	require.NoError(t, err)

	same := "flu"
	_, err = f.svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &same})
	assert.ErrorIs(t, err, policy.ErrDenied)

	treatment := "rest"
	_, err = f.svc.Update(ctx, audit.RoleNurse, p.ID, Changes{Diagnosis: &same, Treatment: &treatment})
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.Len(t, f.entries(t), 1)
}

func TestDelete_IsLogical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "A"})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, audit.RoleAdmin, Input{Name: "B"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, audit.RoleDoctor, a.ID), policy.ErrDenied)
	require.NoError(t, f.svc.Delete(ctx, audit.RoleAdmin, a.ID))
	assert.ErrorIs(t, f.svc.Delete(ctx, audit.RoleAdmin, a.ID), ErrDeleted)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.NotEmpty(t, stored.Sealed)

	list, err := f.svc.List(ctx, audit.RoleNurse)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	_, err = f.svc.View(ctx, audit.RoleAdmin, a.ID)
	assert.ErrorIs(t, err, ErrDeleted)

	name := "A2"
	_, err = f.svc.Update(ctx, audit.RoleDoctor, a.ID, Changes{Name: &name})
	assert.ErrorIs(t, err, ErrDeleted)

	entries := f.entries(t)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionDelete, entries[2].Action)
	assert.Equal(t, "patient p-001 deleted", entries[2].Details)
}

func TestView_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.View(context.Background(), audit.RoleDoctor, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestView_TamperedBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "Jane", Diagnosis: "flu"})
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	stored.Sealed[len(stored.Sealed)-1] ^= 0x01
	require.NoError(t, f.store.Update(ctx, stored))

	_, err = f.svc.View(ctx, audit.RoleDoctor, p.ID)
	assert.ErrorIs(t, err, fieldcipher.ErrAuthenticationFailed)
	assert.Len(t, f.entries(t), 1, "failed view must not be audited")
}

func TestReencrypt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "A", Diagnosis: "asthma"})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: "B", Diagnosis: "gout"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, audit.RoleAdmin, b.ID))

	// A row sealed under some unrelated key.
	strayKey, err := fieldcipher.GenerateKey()
	require.NoError(t, err)
	stray, err := fieldcipher.Seal([]byte(`{"diagnosis":"x"}`), strayKey)
	require.NoError(t, err)
	require.NoError(t, f.store.Insert(ctx, Patient{ID: "stray", Name: "S", Sealed: stray}))

	newKey, err := fieldcipher.GenerateKey()
	require.NoError(t, err)
	next, err := fieldcipher.New(newKey, fieldcipher.WithAlgorithm(fieldcipher.ChaCha20Poly1305))
	require.NoError(t, err)

	_, err = f.svc.Reencrypt(ctx, audit.RoleDoctor, f.cipher, next)
	assert.ErrorIs(t, err, policy.ErrDenied)

	report, err := f.svc.Reencrypt(ctx, audit.RoleAdmin, f.cipher, next)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Reencrypted)
	assert.Equal(t, []string{"stray"}, report.Failed)
	assert.Equal(t, fieldcipher.ChaCha20Poly1305, report.Algorithm)

	storedA, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.cipher.Open(storedA.Sealed)
	assert.ErrorIs(t, err, fieldcipher.ErrAuthenticationFailed)

	storedB, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	_, err = next.Open(storedB.Sealed)
	assert.NoError(t, err, "deleted records are re-encrypted too")

	rec, err := f.svc.View(ctx, audit.RoleDoctor, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "asthma", rec.Diagnosis)

	entries := f.entries(t)
	last := entries[len(entries)-2]
	assert.Equal(t, audit.RoleAdmin, last.Role)
	assert.Equal(t, audit.ActionUpdate, last.Action)
	assert.Equal(t, "records re-encrypted: 2 of 3 (chacha20-poly1305), 1 failed", last.Details)
	assert.True(t, audit.Verify(entries).Valid)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Insert(ctx, Patient{ID: "a", Sealed: []byte{1, 2}}))
	assert.Error(t, s.Insert(ctx, Patient{ID: "a"}))
	assert.ErrorIs(t, s.Update(ctx, Patient{ID: "b"}), ErrNotFound)

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	p.Sealed[0] = 9

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, again.Sealed)
}

// interruptingStore cancels the run after a number of successful updates,
// and can fail every update after that.
type interruptingStore struct {
	Store
	cancel    context.CancelFunc
	after     int
	failAfter bool
	updates   int
}

func (s *interruptingStore) Update(ctx context.Context, p Patient) error {
	if s.failAfter && s.updates >= s.after {
		return errors.New("disk full")
	}
	if err := s.Store.Update(ctx, p); err != nil {
		return err
	}
	s.updates++
	if s.updates == s.after && s.cancel != nil {
		s.cancel()
	}
	return nil
}

func reencryptFixture(t *testing.T) (*fixture, *fieldcipher.Cipher, []string) {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t)
	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		p, err := f.svc.Create(ctx, audit.RoleDoctor, Input{Name: name, Diagnosis: "dx " + name})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	newKey, err := fieldcipher.GenerateKey()
	require.NoError(t, err)
	next, err := fieldcipher.New(newKey)
	require.NoError(t, err)
	return f, next, ids
}

func TestReencrypt_InterruptedRunIsRolledBack(t *testing.T) {
	f, next, ids := reencryptFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &interruptingStore{Store: f.store, cancel: cancel, after: 1}
	svc := NewService(store, f.chain, f.cipher, policy.Default())

	report, err := svc.Reencrypt(ctx, audit.RoleAdmin, f.cipher, next)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Reencrypted)
	assert.Empty(t, report.Stranded)

	for _, id := range ids {
		p, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		_, err = f.cipher.Open(p.Sealed)
		assert.NoError(t, err, "%s must still open under the old key", id)
	}

	rec, err := svc.View(context.Background(), audit.RoleDoctor, ids[0])
	require.NoError(t, err, "service keeps sealing with the old key")
	assert.Equal(t, "dx A", rec.Diagnosis)

	entries := f.entries(t)
	require.Len(t, entries, 5)
	assert.Equal(t, audit.ActionUpdate, entries[3].Action)
	assert.Equal(t, "records re-encryption aborted: 1 of 1 restored", entries[3].Details)
	assert.True(t, audit.Verify(entries).Valid)
}

func TestReencrypt_StoreFailureReportsStrandedRows(t *testing.T) {
	f, next, ids := reencryptFixture(t)
	ctx := context.Background()

	store := &interruptingStore{Store: f.store, after: 1, failAfter: true}
	svc := NewService(store, f.chain, f.cipher, policy.Default())

	report, err := svc.Reencrypt(ctx, audit.RoleAdmin, f.cipher, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{ids[0]}, report.Stranded)
	assert.Equal(t, 1, report.Reencrypted)

	first, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	_, err = next.Open(first.Sealed)
	assert.NoError(t, err)

	for _, id := range ids[1:] {
		p, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		_, err = f.cipher.Open(p.Sealed)
		assert.NoError(t, err)
	}

	entries := f.entries(t)
	require.Len(t, entries, 4)
	assert.Equal(t, "records re-encryption aborted: 0 of 1 restored, left under new key: p-001", entries[3].Details)
}

func TestReencrypt_CancelledBeforeWritingChangesNothing(t *testing.T) {
	f, next, _ := reencryptFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Reencrypt(ctx, audit.RoleAdmin, f.cipher, next)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.entries(t), 3)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// The fixture clock starts at 2024-03-01.
	patients := []Input{
		{Name: "A", Gender: "Male", DOB: "2010-05-01"},
		{Name: "B", Gender: "female", DOB: "2004-03-01"},
		{Name: "C", Gender: "Female", DOB: "2004-03-02"},
		{Name: "D", Gender: "", DOB: "1960-01-01"},
		{Name: "E", Gender: "nonbinary", DOB: "not a date"},
		{Name: "F", Gender: "Male", DOB: "1970-12-31"},
	}
	var last Patient
	for _, in := range patients {
		p, err := f.svc.Create(ctx, audit.RoleDoctor, in)
		require.NoError(t, err)
		last = p
	}
	require.NoError(t, f.svc.Delete(ctx, audit.RoleAdmin, last.ID))

	st, err := f.svc.Stats(ctx, audit.RoleNurse)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, map[string]int{"male": 1, "female": 2, "other": 2}, st.Gender)
	assert.Equal(t, map[string]int{AgeUnder20: 2, Age20to39: 1, Age60Plus: 1, AgeUnknown: 1}, st.Age)
	assert.InDelta(t, 40.0, st.Percent(st.Gender["female"]), 0.001)

	_, err = NewService(f.store, f.chain, f.cipher, &denyAll{}).Stats(ctx, audit.RoleAdmin)
	assert.ErrorIs(t, err, policy.ErrDenied)

	assert.Zero(t, Stats{}.Percent(3))
}
