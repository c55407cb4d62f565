// Package repository gives the reconciliation engine its two persistence
// surfaces: paginated reads plus batched conditional updates on the lead
// store, and the append-only run log.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"maklerportal_backend/internal/reconciliation/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Lead is the matching-relevant subset of a lead record. Email and phone are
// read for identity matching only and never written back.
type Lead struct {
	ID          uuid.UUID
	Email       *string
	Phone       *string
	PropertyRef *string
	State       domain.LeadState
}

// Filter optionally narrows a reconciliation pass to a single lead or a
// single property grouping.
type Filter struct {
	LeadID      *uuid.UUID
	PropertyRef *string
}

// LeadUpdate carries the post-ratchet state to persist for one lead.
type LeadUpdate struct {
	ID    uuid.UUID
	State domain.LeadState
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const leadColumns = `
	id, email, phone, property_ref,
	opportunity_id, crm_contact_id, pipeline_stage, pipeline_updated_at,
	reached_consultation, reached_consultation_at,
	reached_confirmation, reached_confirmation_at,
	reached_awaiting_credit, reached_awaiting_credit_at,
	reached_contract, reached_contract_at,
	reached_payout, reached_payout_at,
	reached_blocked, reached_blocked_at,
	appointment_date, appointment_occurred, appointment_occurred_at`

// ListCandidates reads the full matching pool with exhaustive pagination:
// pages are fetched until one comes back shorter than pageSize, so the pool
// never silently stops at a page boundary. Archived leads are excluded here;
// own-account exclusion is identity-based and happens in the service.
func (r *Repository) ListCandidates(ctx context.Context, pageSize int, filter Filter) ([]Lead, error) {
	return paginate(pageSize, func(after *uuid.UUID, limit int) ([]Lead, error) {
		return r.fetchCandidatePage(ctx, after, limit, filter)
	})
}

// paginate drains a keyset-paged source exhaustively. The loop terminates
// exactly when a page comes back shorter than pageSize.
func paginate(pageSize int, fetch func(after *uuid.UUID, limit int) ([]Lead, error)) ([]Lead, error) {
	if pageSize < 1 {
		pageSize = 1000
	}

	var all []Lead
	var after *uuid.UUID

	for {
		page, err := fetch(after, pageSize)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		lastID := page[len(page)-1].ID
		after = &lastID
	}
}

// candidateBaseQuery is the matching-pool read. Archived leads never enter
// the pool.
const candidateBaseQuery = `SELECT ` + leadColumns + `
	FROM leads
	WHERE archived = false`

func (r *Repository) fetchCandidatePage(ctx context.Context, after *uuid.UUID, limit int, filter Filter) ([]Lead, error) {
	query := candidateBaseQuery
	args := []interface{}{}
	arg := 1

	if after != nil {
		query += fmt.Sprintf(" AND id > $%d", arg)
		args = append(args, *after)
		arg++
	}
	if filter.LeadID != nil {
		query += fmt.Sprintf(" AND id = $%d", arg)
		args = append(args, *filter.LeadID)
		arg++
	}
	if filter.PropertyRef != nil {
		query += fmt.Sprintf(" AND property_ref = $%d", arg)
		args = append(args, *filter.PropertyRef)
		arg++
	}

	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", arg)
	args = append(args, limit)

	return r.queryLeads(ctx, query, args)
}

func (r *Repository) queryLeads(ctx context.Context, query string, args []interface{}) ([]Lead, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := make([]Lead, 0)
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(
			&lead.ID, &lead.Email, &lead.Phone, &lead.PropertyRef,
			&lead.State.OpportunityID, &lead.State.CRMContactID, &lead.State.PipelineStage, &lead.State.PipelineUpdatedAt,
			&lead.State.Flags.Consultation, &lead.State.Flags.ConsultationAt,
			&lead.State.Flags.Confirmation, &lead.State.Flags.ConfirmationAt,
			&lead.State.Flags.AwaitingCredit, &lead.State.Flags.AwaitingCreditAt,
			&lead.State.Flags.Contract, &lead.State.Flags.ContractAt,
			&lead.State.Flags.Payout, &lead.State.Flags.PayoutAt,
			&lead.State.Flags.Blocked, &lead.State.Flags.BlockedAt,
			&lead.State.AppointmentDate, &lead.State.AppointmentOccurred, &lead.State.AppointmentOccurredAt,
		); err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return leads, nil
}

// UpdateBatch writes one batch of lead updates in a single transaction. The
// states were produced by the ratchet, so rewriting the engine-owned columns
// wholesale can never clear a flag or rewind a timestamp.
func (r *Repository) UpdateBatch(ctx context.Context, updates []LeadUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, update := range updates {
		batch.Queue(`
			UPDATE leads SET
				opportunity_id = $2,
				crm_contact_id = $3,
				pipeline_stage = $4,
				pipeline_updated_at = $5,
				reached_consultation = $6, reached_consultation_at = $7,
				reached_confirmation = $8, reached_confirmation_at = $9,
				reached_awaiting_credit = $10, reached_awaiting_credit_at = $11,
				reached_contract = $12, reached_contract_at = $13,
				reached_payout = $14, reached_payout_at = $15,
				reached_blocked = $16, reached_blocked_at = $17,
				appointment_date = $18,
				appointment_occurred = $19,
				appointment_occurred_at = $20
			WHERE id = $1
		`,
			update.ID,
			update.State.OpportunityID,
			update.State.CRMContactID,
			update.State.PipelineStage,
			update.State.PipelineUpdatedAt,
			update.State.Flags.Consultation, update.State.Flags.ConsultationAt,
			update.State.Flags.Confirmation, update.State.Flags.ConfirmationAt,
			update.State.Flags.AwaitingCredit, update.State.Flags.AwaitingCreditAt,
			update.State.Flags.Contract, update.State.Flags.ContractAt,
			update.State.Flags.Payout, update.State.Flags.PayoutAt,
			update.State.Flags.Blocked, update.State.Flags.BlockedAt,
			update.State.AppointmentDate,
			update.State.AppointmentOccurred,
			update.State.AppointmentOccurredAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("apply lead update batch: %w", err)
		}
	}

	return nil
}

// InsertRunLog appends one audit record for a reconciliation run.
func (r *Repository) InsertRunLog(ctx context.Context, status, message string, metadata interface{}) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (status, message, metadata)
		VALUES ($1, $2, $3)
	`, status, message, payload)
	return err
}
