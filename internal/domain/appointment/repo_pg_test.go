package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/appointments/internal/events"
	"github.com/hospital/appointments/internal/platform/db"
	"github.com/hospital/appointments/internal/platform/db/dbtest"
)

func seedParties(t *testing.T, pool *pgxpool.Pool) (patientID, doctorID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	patientID, doctorID = uuid.New(), uuid.New()
	if _, err := pool.Exec(ctx, `INSERT INTO patients (id, first_name, last_name, email) VALUES ($1, 'Ada', 'Lovelace', 'ada@example.com')`, patientID); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO doctors (id, first_name, last_name, email) VALUES ($1, 'Gregory', 'House', 'house@example.com')`, doctorID); err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	return patientID, doctorID
}

func createAppt(t *testing.T, repo Repository, patientID, doctorID uuid.UUID, at time.Time, status Status) *Appointment {
	t.Helper()
	a := &Appointment{PatientID: patientID, DoctorID: doctorID, AppointmentDate: at, Status: status}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return a
}

func TestRepoPG_CreateAndGet(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)

	notes := "first visit"
	at := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	a := &Appointment{PatientID: patientID, DoctorID: doctorID, AppointmentDate: at, Status: StatusPending, Notes: &notes}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == uuid.Nil || a.CreatedAt.IsZero() {
		t.Fatalf("create did not populate id and timestamps: %+v", a)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AppointmentDate.Equal(at) || got.Status != StatusPending || got.Notes == nil || *got.Notes != notes {
		t.Errorf("unexpected appointment: %+v", got)
	}

	d, err := repo.GetDetails(ctx, a.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if d.PatientName() != "Ada Lovelace" || d.Doctor.Email != "house@example.com" {
		t.Errorf("unexpected details: %+v", d)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepoPG_UpdateStatusDetectsStaleStatus(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)
	a := createAppt(t, repo, patientID, doctorID, time.Now().Add(72*time.Hour), StatusPending)

	if err := repo.UpdateStatus(ctx, a.ID, StatusPending, StatusCancelled); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.UpdateStatus(ctx, a.ID, StatusPending, StatusApproved); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestRepoPG_ListPagination(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)
	base := time.Now().UTC().Add(72 * time.Hour)
	for i := 0; i < 5; i++ {
		createAppt(t, repo, patientID, doctorID, base.Add(time.Duration(i)*time.Hour), StatusPending)
	}

	items, total, err := repo.ListByPatient(ctx, patientID, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("total=%d len=%d, want 5 and 2", total, len(items))
	}
	if !items[0].AppointmentDate.After(items[1].AppointmentDate) {
		t.Error("expected newest appointment first")
	}

	items, total, err = repo.ListByDoctor(ctx, doctorID, 10, 4)
	if err != nil {
		t.Fatalf("list by doctor: %v", err)
	}
	if total != 5 || len(items) != 1 {
		t.Errorf("total=%d len=%d, want 5 and 1", total, len(items))
	}
}

func TestRepoPG_ReminderWindowAndFlags(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)
	now := time.Now().UTC()

	due := createAppt(t, repo, patientID, doctorID, now.Add(24*time.Hour), StatusApproved)
	createAppt(t, repo, patientID, doctorID, now.Add(24*time.Hour), StatusPending)
	createAppt(t, repo, patientID, doctorID, now.Add(30*time.Hour), StatusApproved)

	from, to := now.Add(24*time.Hour-15*time.Minute), now.Add(24*time.Hour+15*time.Minute)
	found, err := repo.FindApprovedInWindow(ctx, from, to, events.Reminder24Hours)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].ID != due.ID {
		t.Fatalf("expected only the approved appointment in the window, got %d", len(found))
	}
	if found[0].Patient.Email != "ada@example.com" {
		t.Errorf("details missing patient contact: %+v", found[0].Patient)
	}

	n, err := repo.SetReminderFlags(ctx, events.Reminder24Hours, []uuid.UUID{due.ID})
	if err != nil || n != 1 {
		t.Fatalf("set flags: n=%d err=%v", n, err)
	}
	n, err = repo.SetReminderFlags(ctx, events.Reminder24Hours, []uuid.UUID{due.ID})
	if err != nil || n != 0 {
		t.Errorf("second flag should change nothing: n=%d err=%v", n, err)
	}

	found, err = repo.FindApprovedInWindow(ctx, from, to, events.Reminder24Hours)
	if err != nil || len(found) != 0 {
		t.Errorf("flagged appointment still returned: %d %v", len(found), err)
	}
	got, _ := repo.GetByID(ctx, due.ID)
	if !got.Reminder24HourSent || got.Reminder2HourSent {
		t.Errorf("unexpected flags: 24h=%v 2h=%v", got.Reminder24HourSent, got.Reminder2HourSent)
	}
}

func TestRepoPG_SetReminderFlagSingle(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)
	a := createAppt(t, repo, patientID, doctorID, time.Now().Add(2*time.Hour), StatusApproved)

	if err := repo.SetReminderFlag(ctx, a.ID, events.Reminder2Hours); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if !got.Reminder2HourSent || got.Reminder24HourSent {
		t.Errorf("unexpected flags: 24h=%v 2h=%v", got.Reminder24HourSent, got.Reminder2HourSent)
	}
	if err := repo.SetReminderFlag(ctx, a.ID, "weekly"); err == nil {
		t.Error("expected error for unknown reminder kind")
	}
}

func TestRepoPG_TransactionRollback(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()
	patientID, doctorID := seedParties(t, pool)
	a := createAppt(t, repo, patientID, doctorID, time.Now().Add(72*time.Hour), StatusPending)

	boom := errors.New("publish failed")
	err := db.NewTransactor(pool).InTx(ctx, func(ctx context.Context) error {
		if err := repo.UpdateStatus(ctx, a.ID, StatusPending, StatusApproved); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s after rollback, want pending", got.Status)
	}
}

func TestRepoPG_UnknownReminderKind(t *testing.T) {
	if _, err := reminderColumn("weekly"); err == nil {
		t.Error("expected error for unknown reminder kind")
	}
}
