package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/appointments/internal/events"
	"github.com/hospital/appointments/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `a.id, a.patient_id, a.doctor_id, a.appointment_date, a.status, a.notes,
	a.reminder_24h_sent, a.reminder_2h_sent, a.created_at, a.updated_at`

const detailCols = apptCols + `,
	p.id, p.first_name, p.last_name, p.email,
	d.id, d.first_name, d.last_name, d.email`

const detailFrom = ` FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id`

func (r *repoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.AppointmentDate, &a.Status, &a.Notes,
		&a.Reminder24HourSent, &a.Reminder2HourSent, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *repoPG) scanDetails(row pgx.Row) (*Details, error) {
	var d Details
	a := &d.Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.AppointmentDate, &a.Status, &a.Notes,
		&a.Reminder24HourSent, &a.Reminder2HourSent, &a.CreatedAt, &a.UpdatedAt,
		&d.Patient.ID, &d.Patient.FirstName, &d.Patient.LastName, &d.Patient.Email,
		&d.Doctor.ID, &d.Doctor.FirstName, &d.Doctor.LastName, &d.Doctor.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.AppointmentDate, a.Status, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments a WHERE a.id = $1`, id))
}

func (r *repoPG) GetDetails(ctx context.Context, id uuid.UUID) (*Details, error) {
	return r.scanDetails(r.conn(ctx).QueryRow(ctx, `SELECT `+detailCols+detailFrom+` WHERE a.id = $1`, id))
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *repoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments a WHERE a.`+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments a WHERE a.`+column+` = $1
		ORDER BY a.appointment_date DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}

func reminderColumn(kind events.ReminderType) (string, error) {
	switch kind {
	case events.Reminder24Hours:
		return "reminder_24h_sent", nil
	case events.Reminder2Hours:
		return "reminder_2h_sent", nil
	}
	return "", fmt.Errorf("unknown reminder type %q", kind)
}

func (r *repoPG) FindApprovedInWindow(ctx context.Context, from, to time.Time, kind events.ReminderType) ([]*Details, error) {
	col, err := reminderColumn(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+detailCols+detailFrom+`
		WHERE a.status = $1 AND a.appointment_date BETWEEN $2 AND $3 AND a.`+col+` = FALSE
		ORDER BY a.appointment_date`, StatusApproved, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Details
	for rows.Next() {
		d, err := r.scanDetails(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) SetReminderFlag(ctx context.Context, id uuid.UUID, kind events.ReminderType) error {
	_, err := r.SetReminderFlags(ctx, kind, []uuid.UUID{id})
	return err
}

func (r *repoPG) SetReminderFlags(ctx context.Context, kind events.ReminderType, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	col, err := reminderColumn(kind)
	if err != nil {
		return 0, err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET `+col+` = TRUE, updated_at = NOW()
		WHERE id = ANY($1) AND status = $2 AND `+col+` = FALSE`, ids, StatusApproved)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
