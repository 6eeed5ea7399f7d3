package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// SaveProposal persists a new proposal as pending and supersedes any earlier
// pending proposals for the same incident in the same transaction.
func (s *Store) SaveProposal(ctx context.Context, p Proposal) (Proposal, error) {
	const op = "store.save_proposal"

	p.ID = uuid.NewString()
	p.Status = ProposalPending
	p.CreatedAt = s.now().UTC()
	if err := p.Validate(); err != nil {
		return Proposal{}, err
	}

	actions, err := json.Marshal(p.RecommendedActions)
	if err != nil {
		return Proposal{}, rerrors.New(rerrors.KindInternal, op, err)
	}
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return Proposal{}, rerrors.New(rerrors.KindInternal, op, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE incident_id = ? AND status = ?`,
		ProposalSuperseded, p.IncidentID, ProposalPending); err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposals (
			id, incident_id, provider_id, model_id,
			confidence, risk_level, estimated_minutes,
			analysis, recommended_actions, next_steps, reasoning,
			sources, status, processing_ms, tokens_used, correlation_id, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.IncidentID, p.ProviderID, p.ModelID,
		p.Confidence, p.RiskLevel, p.EstimatedMinutes,
		p.Analysis, string(actions), p.NextSteps, p.Reasoning,
		string(sources), p.Status, p.ProcessingMs, p.TokensUsed, p.CorrelationID,
		p.CreatedAt.Unix()); err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	if err := tx.Commit(); err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	return p, nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	const op = "store.get_proposal"

	row := s.db.QueryRowContext(ctx, selectProposalSQL+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return Proposal{}, rerrors.Newf(rerrors.KindNotFound, op, "proposal %s", id)
	}
	if err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	return p, nil
}

// SetProposalStatus moves a proposal from pending to a terminal status.
func (s *Store) SetProposalStatus(ctx context.Context, id string, status ProposalStatus) (Proposal, error) {
	const op = "store.set_proposal_status"

	switch status {
	case ProposalAccepted, ProposalRejected, ProposalSuperseded:
	default:
		return Proposal{}, rerrors.Newf(rerrors.KindInvalidInput, op, "cannot set proposal status to %q", status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ? AND status = ?`,
		status, id, ProposalPending)
	if err != nil {
		return Proposal{}, rerrors.New(rerrors.KindTransient, op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		p, err := s.GetProposal(ctx, id)
		if err != nil {
			return Proposal{}, err
		}
		return Proposal{}, rerrors.Newf(rerrors.KindInvalidTransition, op,
			"proposal %s is %s, not pending", id, p.Status)
	}
	return s.GetProposal(ctx, id)
}

// ListProposals returns proposals for an incident, newest first.
func (s *Store) ListProposals(ctx context.Context, incidentID string) ([]Proposal, error) {
	const op = "store.list_proposals"

	rows, err := s.db.QueryContext(ctx,
		selectProposalSQL+` WHERE incident_id = ? ORDER BY created_at DESC, id ASC`, incidentID)
	if err != nil {
		return nil, rerrors.New(rerrors.KindTransient, op, err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, rerrors.New(rerrors.KindTransient, op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectProposalSQL = `
	SELECT id, incident_id, provider_id, model_id,
	       confidence, risk_level, estimated_minutes,
	       analysis, recommended_actions, next_steps, reasoning,
	       sources, status, processing_ms, tokens_used, correlation_id, created_at
	FROM proposals`

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		p         Proposal
		actions   string
		sources   string
		createdAt int64
	)
	err := row.Scan(
		&p.ID, &p.IncidentID, &p.ProviderID, &p.ModelID,
		&p.Confidence, &p.RiskLevel, &p.EstimatedMinutes,
		&p.Analysis, &actions, &p.NextSteps, &p.Reasoning,
		&sources, &p.Status, &p.ProcessingMs, &p.TokensUsed, &p.CorrelationID, &createdAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	if err := json.Unmarshal([]byte(actions), &p.RecommendedActions); err != nil {
		p.RecommendedActions = nil
	}
	if err := json.Unmarshal([]byte(sources), &p.Sources); err != nil {
		p.Sources = nil
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}
