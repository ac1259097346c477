package audit

import (
	"context"
	"fmt"
	"time"

	"prodflow-access/internal/client"
	"prodflow-access/internal/models"
)

// esDocument is the indexed shape of an audit entry.
type esDocument struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Outcome      string                 `json:"outcome"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	RootOverride bool                   `json:"is_root_admin_override"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ESIndexer mirrors audit entries into Elasticsearch and serves the
// admin search surface from the same index.
type ESIndexer struct {
	es    *client.ESClient
	index string
}

func NewESIndexer(es *client.ESClient, index string) *ESIndexer {
	return &ESIndexer{es: es, index: index}
}

func (s *ESIndexer) Append(ctx context.Context, e *models.AuditEntry) error {
	doc := esDocument{
		ID:           e.ID,
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Outcome:      string(e.Outcome),
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		RootOverride: e.RootOverride,
		CreatedAt:    e.CreatedAt,
	}

	res, err := s.es.IndexDocument(ctx, s.index, e.ID, doc)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.Status())
	}
	return nil
}

// Filter narrows an audit search. Zero values are ignored.
type Filter struct {
	ActorID string
	Action  string
	Outcome models.AuditOutcome
	From    time.Time
	To      time.Time
	Limit   int
}

func (s *ESIndexer) Search(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	var must []map[string]interface{}
	if f.ActorID != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"user_id": f.ActorID}})
	}
	if f.Action != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"action": f.Action}})
	}
	if f.Outcome != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"outcome": string(f.Outcome)}})
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := map[string]interface{}{}
		if !f.From.IsZero() {
			rng["gte"] = f.From
		}
		if !f.To.IsZero() {
			rng["lte"] = f.To
		}
		must = append(must, map[string]interface{}{"range": map[string]interface{}{"created_at": rng}})
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	res, err := s.es.Search(ctx, s.index, query)
	if err != nil {
		return nil, fmt.Errorf("audit search failed: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source esDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.es.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("audit search parse failed: %w", err)
	}

	out := make([]models.AuditEntry, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		d := h.Source
		out = append(out, models.AuditEntry{
			ID:           d.ID,
			UserID:       d.UserID,
			Action:       d.Action,
			ResourceType: d.ResourceType,
			ResourceID:   d.ResourceID,
			Details:      d.Details,
			Outcome:      models.AuditOutcome(d.Outcome),
			IPAddress:    d.IPAddress,
			UserAgent:    d.UserAgent,
			RootOverride: d.RootOverride,
			CreatedAt:    d.CreatedAt,
		})
	}
	return out, nil
}
