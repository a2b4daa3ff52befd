package recon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/shared"
)

// Summary aggregates one reconciliation for dashboards and list pages.
type Summary struct {
	ReconciliationID uuid.UUID       `json:"reconciliationId"`
	Status           Status          `json:"status"`
	Period           string          `json:"period"`
	Transactions     int             `json:"transactions"`
	Matched          int             `json:"matched"`
	Unmatched        int             `json:"unmatched"`
	Approved         int             `json:"approved"`
	Rejected         int             `json:"rejected"`
	OpenDivergences  int             `json:"openDivergences"`
	Investigating    int             `json:"investigating"`
	Resolved         int             `json:"resolved"`
	BankBalance      decimal.Decimal `json:"bankBalance"`
	SystemBalance    decimal.Decimal `json:"systemBalance"`
	Difference       decimal.Decimal `json:"difference"`
	Closable         bool            `json:"closable"`
}

// SummaryCache keeps computed summaries in redis for a short TTL. A nil
// cache degrades to always recomputing.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache instantiates the cache helper.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

func (c *SummaryCache) get(ctx context.Context, id uuid.UUID) (Summary, bool) {
	if c == nil || c.client == nil {
		return Summary{}, false
	}
	raw, err := c.client.Get(ctx, shared.ReconSummaryKey(id.String())).Bytes()
	if err != nil {
		return Summary{}, false
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, false
	}
	return s, true
}

func (c *SummaryCache) set(ctx context.Context, s Summary) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, shared.ReconSummaryKey(s.ReconciliationID.String()), raw, c.ttl).Err()
}

// Invalidate drops the cached summary, called after any write.
func (c *SummaryCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, shared.ReconSummaryKey(id.String())).Err()
}

// WithSummaryCache attaches a summary cache to the service.
func (s *Service) WithSummaryCache(cache *SummaryCache) *Service {
	s.summaries = cache
	return s
}

// Summary computes (or serves from cache) the aggregate view of one
// reconciliation.
func (s *Service) Summary(ctx context.Context, id uuid.UUID) (Summary, error) {
	if cached, ok := s.summaries.get(ctx, id); ok {
		return cached, nil
	}

	rec, err := s.repo.GetReconciliation(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	divs, err := s.repo.ListDivergences(ctx, id)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		ReconciliationID: rec.ID,
		Status:           rec.Status,
		Period:           rec.Period,
		Transactions:     len(txs),
		BankBalance:      rec.BankBalance,
		SystemBalance:    rec.SystemBalance,
		Difference:       rec.Difference(),
	}
	for _, t := range txs {
		switch t.MatchStatus {
		case MatchMatched:
			sum.Matched++
		case MatchUnmatched:
			sum.Unmatched++
		case MatchApproved:
			sum.Approved++
		case MatchRejected:
			sum.Rejected++
		}
	}
	for _, d := range divs {
		switch d.Status {
		case DivergenceOpen:
			sum.OpenDivergences++
		case DivergenceInvestigating:
			sum.Investigating++
		case DivergenceResolved:
			sum.Resolved++
		}
	}
	sum.Closable = rec.Status == StatusInProgress &&
		sum.OpenDivergences == 0 && sum.Investigating == 0 &&
		!sum.Difference.Abs().GreaterThan(s.cfg.CloseTolerance)

	s.summaries.set(ctx, sum)
	return sum, nil
}
