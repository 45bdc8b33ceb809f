package prescription

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const rxCols = `r.id, r.doctor_id, r.patient_id, r.medication, r.dosage, r.instructions,
	r.prescribed_date, r.duration_days, r.created_at, r.updated_at`

func scanPrescription(row pgx.Row, extra ...any) (*Prescription, error) {
	var p Prescription
	dest := append([]any{&p.ID, &p.DoctorID, &p.PatientID, &p.Medication, &p.Dosage, &p.Instructions,
		&p.PrescribedDate, &p.DurationDays, &p.CreatedAt, &p.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, doctor_id, patient_id, medication, dosage, instructions, prescribed_date, duration_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.DoctorID, p.PatientID, p.Medication, p.Dosage, p.Instructions, p.PrescribedDate, p.DurationDays,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescriptions r WHERE r.id = $1`, id))
}

func (r *repoPG) GetDetails(ctx context.Context, id uuid.UUID) (*Details, error) {
	var d Details
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+`,
			pt.first_name, pt.last_name, pt.email,
			dr.first_name, dr.last_name, dr.email
		FROM prescriptions r
		JOIN patients pt ON pt.id = r.patient_id
		JOIN doctors dr ON dr.id = r.doctor_id
		WHERE r.id = $1`, id),
		&d.Patient.FirstName, &d.Patient.LastName, &d.Patient.Email,
		&d.Doctor.FirstName, &d.Doctor.LastName, &d.Doctor.Email)
	if err != nil {
		return nil, err
	}
	d.Prescription = *p
	return &d, nil
}

func (r *repoPG) Update(ctx context.Context, p *Prescription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions SET medication = $2, dosage = $3, instructions = $4, duration_days = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Medication, p.Dosage, p.Instructions, p.DurationDays,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions r WHERE r.`+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+rxCols+` FROM prescriptions r WHERE r.`+column+` = $1
		ORDER BY r.prescribed_date DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}
