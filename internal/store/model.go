package store

import (
	"fmt"
	"strings"
	"time"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// Kind distinguishes incidents from knowledge articles in the unified table.
type Kind string

const (
	KindIncident  Kind = "incident"
	KindKnowledge Kind = "knowledge"
)

// Status is the incident workflow state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusInTreatment Status = "in_treatment"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
	StatusCancelled   Status = "cancelled"
)

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TechnicalAreas is the closed set of accepted classification values.
var TechnicalAreas = []string{
	"Database",
	"Network",
	"Application",
	"Infrastructure",
	"Security",
	"Integration",
	"Hardware",
	"Other",
}

const (
	maxTitleLen       = 255
	maxDescriptionLen = 10000
)

// statusTransitions lists the allowed workflow moves. Resolution itself goes
// through Resolve, not Update, but the map includes it for validation there.
var statusTransitions = map[Status][]Status{
	StatusOpen:        {StatusInTreatment, StatusUnderReview, StatusResolved, StatusCancelled},
	StatusInTreatment: {StatusOpen, StatusUnderReview, StatusResolved, StatusCancelled},
	StatusUnderReview: {StatusOpen, StatusInTreatment, StatusResolved, StatusCancelled},
	StatusResolved:    {StatusClosed},
	StatusClosed:      {},
	StatusCancelled:   {},
}

// Entry is the unified record for an incident or a knowledge article.
// All timestamps are UTC; the wire format is JSON with RFC 3339 times.
type Entry struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Solution    string `json:"solution,omitempty"`

	TechnicalArea string   `json:"technical_area"`
	BusinessArea  string   `json:"business_area,omitempty"`
	Severity      Severity `json:"severity"`
	Priority      int      `json:"priority"`
	Tags          []string `json:"tags,omitempty"`

	// Incident workflow
	Status      Status     `json:"status,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Reporter    string     `json:"reporter,omitempty"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty"`

	// Knowledge statistics
	UsageCount      int        `json:"usage_count"`
	SuccessCount    int        `json:"success_count"`
	ConfidenceScore float64    `json:"confidence_score"`
	LastUsed        *time.Time `json:"last_used,omitempty"`

	Embedding []float32 `json:"-"`

	Version  int64 `json:"version"`
	Archived bool  `json:"archived,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`

	// LinkedIncidentID points a spawned knowledge entry back at its incident.
	LinkedIncidentID string `json:"linked_incident_id,omitempty"`
}

// Clone returns a deep copy, used to hand mutators a safe working copy.
func (e Entry) Clone() Entry {
	out := e
	out.Tags = append([]string(nil), e.Tags...)
	out.Embedding = append([]float32(nil), e.Embedding...)
	if e.SLADeadline != nil {
		t := *e.SLADeadline
		out.SLADeadline = &t
	}
	if e.LastUsed != nil {
		t := *e.LastUsed
		out.LastUsed = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// SearchableText concatenates the indexed text fields the way the FTS index
// sees them.
func (e Entry) SearchableText() string {
	return e.Title + "\n" + e.Description + "\n" + e.Solution + "\n" + strings.Join(e.Tags, " ")
}

// Validate enforces the structural invariants before any write. dim is the
// globally configured embedding dimension; 0 skips the length check.
func (e Entry) Validate(dim int) error {
	const op = "store.validate"

	if e.Kind != KindIncident && e.Kind != KindKnowledge {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Title) == "" {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "title is required")
	}
	if len(e.Title) > maxTitleLen {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "title exceeds %d characters", maxTitleLen)
	}
	if len(e.Description) > maxDescriptionLen {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "description exceeds %d characters", maxDescriptionLen)
	}
	if !validTechnicalArea(e.TechnicalArea) {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown technical area %q", e.TechnicalArea)
	}
	switch e.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown severity %q", e.Severity)
	}
	if e.Priority < 1 || e.Priority > 5 {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "priority must be in [1..5], got %d", e.Priority)
	}
	if e.Kind == KindKnowledge && strings.TrimSpace(e.Solution) == "" {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "knowledge entries require a solution")
	}
	if e.Kind == KindIncident {
		switch e.Status {
		case StatusOpen, StatusInTreatment, StatusUnderReview, StatusResolved, StatusClosed, StatusCancelled:
		default:
			return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown status %q", e.Status)
		}
		if e.Status == StatusResolved {
			if e.ResolvedAt == nil {
				return rerrors.Newf(rerrors.KindInvalidInput, op, "resolved incidents require resolved_at")
			}
			if strings.TrimSpace(e.Solution) == "" {
				return rerrors.Newf(rerrors.KindInvalidInput, op, "resolved incidents require a solution")
			}
		}
	}
	if e.SuccessCount > e.UsageCount {
		return rerrors.Newf(rerrors.KindInvalidInput, op,
			"success count %d exceeds usage count %d", e.SuccessCount, e.UsageCount)
	}
	if e.SuccessCount < 0 || e.UsageCount < 0 {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "usage counters must be non-negative")
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "confidence score must be in [0,1]")
	}
	if dim > 0 && len(e.Embedding) > 0 && len(e.Embedding) != dim {
		return rerrors.Newf(rerrors.KindInvalidInput, op,
			"embedding length %d does not match configured dimension %d", len(e.Embedding), dim)
	}
	return nil
}

func validTechnicalArea(area string) bool {
	for _, a := range TechnicalAreas {
		if a == area {
			return true
		}
	}
	return false
}

// canTransition reports whether the workflow permits moving from → to.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ProposalStatus tracks the lifecycle of a resolution proposal.
type ProposalStatus string

const (
	ProposalPending    ProposalStatus = "pending"
	ProposalAccepted   ProposalStatus = "accepted"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalSuperseded ProposalStatus = "superseded"
)

// RiskLevel of applying a proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SourceRef records one context entry used to generate a proposal.
type SourceRef struct {
	EntryID    string  `json:"entry_id"`
	Similarity float64 `json:"similarity"`
}

// Proposal is an AI-generated resolution suggestion for an incident.
type Proposal struct {
	ID         string `json:"id"`
	IncidentID string `json:"incident_id"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`

	Confidence       float64   `json:"confidence"`
	RiskLevel        RiskLevel `json:"risk_level"`
	EstimatedMinutes int       `json:"estimated_minutes"`

	Analysis           string   `json:"analysis"`
	RecommendedActions []string `json:"recommended_actions"`
	NextSteps          string   `json:"next_steps"`
	Reasoning          string   `json:"reasoning"`

	Sources []SourceRef    `json:"sources"`
	Status  ProposalStatus `json:"status"`

	ProcessingMs  int64  `json:"processing_ms"`
	TokensUsed    int    `json:"tokens_used"`
	CorrelationID string `json:"correlation_id"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks proposal fields before persistence.
func (p Proposal) Validate() error {
	const op = "store.proposal_validate"

	if p.IncidentID == "" {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "incident id is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return rerrors.Newf(rerrors.KindInvalidInput, op, "confidence must be in [0,1]")
	}
	switch p.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown risk level %q", p.RiskLevel)
	}
	switch p.Status {
	case ProposalPending, ProposalAccepted, ProposalRejected, ProposalSuperseded:
	default:
		return rerrors.Newf(rerrors.KindInvalidInput, op, "unknown proposal status %q", p.Status)
	}
	return nil
}

// String implements fmt.Stringer for log output without leaking content.
func (p Proposal) String() string {
	return fmt.Sprintf("proposal %s for incident %s (%s, confidence %.2f)", p.ID, p.IncidentID, p.Status, p.Confidence)
}
