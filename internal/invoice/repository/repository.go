package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/examly/internal/invoice/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			invoice_id, kind, user_id, guest_session_id, exam_id, amount,
			payment_system_code, status, gateway_reference, paid_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.InvoiceID,
		inv.Kind,
		inv.UserID,
		inv.GuestSessionID,
		inv.ExamID,
		inv.Amount,
		inv.PaymentSystemCode,
		inv.Status,
		inv.GatewayReference,
		inv.PaidAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT invoice_id, kind, user_id, guest_session_id, exam_id, amount,
			payment_system_code, status, gateway_reference, paid_at,
			created_at, updated_at
		 FROM invoices
		 WHERE invoice_id = ?
		 LIMIT 1`,
		invoiceID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.InvoiceID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, invoiceID string, paidAt time.Time, gatewayReference string) (bool, error) {
	var reference interface{}
	if gatewayReference != "" {
		reference = gatewayReference
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = ?,
			gateway_reference = COALESCE(gateway_reference, ?),
			updated_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		domain.StatusPaid,
		paidAt,
		reference,
		paidAt,
		invoiceID,
		domain.StatusCreated,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetGatewayReference(ctx context.Context, db *gorm.DB, invoiceID, gatewayReference string, payload datatypes.JSON, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET gateway_reference = ?, gateway_payload = ?, updated_at = ?
		 WHERE invoice_id = ? AND gateway_reference IS NULL`,
		gatewayReference,
		payload,
		updatedAt,
		invoiceID,
	).Error
}
