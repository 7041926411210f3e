package payment

import "time"

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// ListParams filters and paginates a payment listing.
// The date range is half-open: Start <= created_at < End.
type ListParams struct {
	Provider   Provider
	Status     Status
	CustomerID string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
}

// Clamp bounds Limit to [1, MaxListLimit] and Offset to >= 0.
// Callers apply DefaultListLimit themselves when no limit was supplied.
func (p ListParams) Clamp() ListParams {
	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Limit > MaxListLimit {
		p.Limit = MaxListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Matches reports whether rec passes every filter in p.
func (p ListParams) Matches(rec PaymentRecord) bool {
	if p.Provider != "" && rec.Provider != p.Provider {
		return false
	}
	if p.Status != "" && rec.Status != p.Status {
		return false
	}
	if p.CustomerID != "" && rec.CustomerID != p.CustomerID {
		return false
	}
	if p.Start != nil && rec.CreatedAt.Before(*p.Start) {
		return false
	}
	if p.End != nil && !rec.CreatedAt.Before(*p.End) {
		return false
	}
	return true
}

// ListResult is one page of records plus the unpaged total.
type ListResult struct {
	Records []PaymentRecord `json:"payments"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	TraceID string          `json:"trace_id"`
}
