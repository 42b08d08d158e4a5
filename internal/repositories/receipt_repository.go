package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"studybuddy-chat/internal/models"
)

// ReceiptRepository stores the per-(chat, user) read position.
type ReceiptRepository interface {
	Advance(ctx context.Context, chatID, userID uuid.UUID, seq int64) (models.ReadReceipt, bool, error)
	GetReceipt(ctx context.Context, chatID, userID uuid.UUID) (models.ReadReceipt, error)
	ListReceipts(ctx context.Context, chatID uuid.UUID) ([]models.ReadReceipt, error)
}

// ReceiptRepo is a sqlx-backed repository.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// Advance moves the read position forward. It never lowers a stored value; the
// returned bool is false when seq was not ahead of the current position.
func (r *ReceiptRepo) Advance(ctx context.Context, chatID, userID uuid.UUID, seq int64) (models.ReadReceipt, bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO read_receipts (chat_id, user_id, last_read_seq, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (chat_id, user_id) DO UPDATE
        SET last_read_seq = excluded.last_read_seq, updated_at = excluded.updated_at
        WHERE read_receipts.last_read_seq < excluded.last_read_seq`), chatID, userID, seq, now())
	if err != nil {
		return models.ReadReceipt{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.ReadReceipt{}, false, err
	}
	receipt, err := r.GetReceipt(ctx, chatID, userID)
	if err != nil {
		return models.ReadReceipt{}, false, err
	}
	return receipt, affected > 0, nil
}

// GetReceipt returns the stored position, or a zero position when nothing was read yet.
func (r *ReceiptRepo) GetReceipt(ctx context.Context, chatID, userID uuid.UUID) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := r.db.GetContext(ctx, &receipt, r.db.Rebind(`SELECT chat_id, user_id, last_read_seq, updated_at FROM read_receipts WHERE chat_id = ? AND user_id = ?`), chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadReceipt{ChatID: chatID, UserID: userID}, nil
	}
	return receipt, err
}

// ListReceipts returns all read positions recorded for the chat.
func (r *ReceiptRepo) ListReceipts(ctx context.Context, chatID uuid.UUID) ([]models.ReadReceipt, error) {
	receipts := []models.ReadReceipt{}
	err := r.db.SelectContext(ctx, &receipts, r.db.Rebind(`SELECT chat_id, user_id, last_read_seq, updated_at FROM read_receipts WHERE chat_id = ? ORDER BY last_read_seq DESC`), chatID)
	return receipts, err
}
