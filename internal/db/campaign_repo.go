package db

import (
	"context"
	"encoding/json"
	"fmt"

	"eventmail/internal/types"
)

// ============================================================
// TemplateRepository
// ============================================================

// TemplateRepository provides data access for campaign_templates and their items.
type TemplateRepository struct {
	db DBTX
}

// NewTemplateRepository creates a new TemplateRepository backed by the given
// database connection (pool or transaction).
func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// templateItemRow is the JSON shape fed to jsonb_to_recordset when inserting items.
type templateItemRow struct {
	ID       string                `json:"id"`
	Position int                   `json:"position"`
	Name     string                `json:"name"`
	Category string                `json:"category"`
	Subject  string                `json:"subject"`
	Body     string                `json:"body"`
	Trigger  types.TriggerSpec     `json:"trigger"`
	Filter   types.RecipientFilter `json:"filter"`
	Enabled  bool                  `json:"enabled"`
}

// Create inserts the template and all of its items in a single statement so a
// partially written template is never visible. IDs must be set by the caller.
func (r *TemplateRepository) Create(ctx context.Context, t *types.CampaignTemplate) error {
	rows := make([]templateItemRow, len(t.Items))
	for i, item := range t.Items {
		rows[i] = templateItemRow{
			ID:       item.ID,
			Position: i,
			Name:     item.Name,
			Category: item.Category,
			Subject:  item.Subject,
			Body:     item.Body,
			Trigger:  item.Trigger,
			Filter:   item.Filter,
			Enabled:  item.Enabled,
		}
	}
	itemsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal template items: %w", err)
	}

	err = r.db.QueryRow(ctx,
		`WITH t AS (
		   INSERT INTO campaign_templates (id, organization_id, name, description)
		   VALUES ($1, $2, $3, $4)
		   RETURNING id, created_at, updated_at
		 ), items AS (
		   INSERT INTO campaign_template_items
		     (id, template_id, position, name, category, subject, body, trigger, filter, enabled)
		   SELECT i.id, t.id, i.position, i.name, i.category, i.subject, i.body, i.trigger, i.filter, i.enabled
		   FROM t, jsonb_to_recordset($5::jsonb) AS i(
		     id text, position int, name text, category text, subject text, body text,
		     trigger jsonb, filter jsonb, enabled boolean)
		 )
		 SELECT created_at, updated_at FROM t`,
		t.ID,
		t.OrganizationID,
		t.Name,
		t.Description,
		itemsJSON,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create campaign template", err)
	}
	for i := range t.Items {
		t.Items[i].TemplateID = t.ID
		t.Items[i].Position = i
	}
	return nil
}

// GetByID loads a template and its items ordered by position.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*types.CampaignTemplate, error) {
	var t types.CampaignTemplate
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, name, description, created_at, updated_at
		 FROM campaign_templates WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundTemplate, "campaign template")
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, template_id, position, name, category, subject, body, trigger, filter, enabled
		 FROM campaign_template_items
		 WHERE template_id = $1
		 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query template items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item types.TemplateItem
		var triggerJSON, filterJSON []byte
		if err := rows.Scan(&item.ID, &item.TemplateID, &item.Position, &item.Name, &item.Category,
			&item.Subject, &item.Body, &triggerJSON, &filterJSON, &item.Enabled); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan template item", err)
		}
		if err := decodeTriggerAndFilter(triggerJSON, filterJSON, &item.Trigger, &item.Filter); err != nil {
			return nil, err
		}
		t.Items = append(t.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate template items", err)
	}
	return &t, nil
}

// ListVisible returns system templates plus those owned by orgID, without items.
func (r *TemplateRepository) ListVisible(ctx context.Context, orgID string) ([]types.CampaignTemplate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, organization_id, name, description, created_at, updated_at
		 FROM campaign_templates
		 WHERE organization_id IS NULL OR organization_id = $1
		 ORDER BY organization_id NULLS FIRST, name`,
		orgID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list campaign templates", err)
	}
	defer rows.Close()

	var out []types.CampaignTemplate
	for rows.Next() {
		var t types.CampaignTemplate
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan campaign template", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate campaign templates", err)
	}
	return out, nil
}

func decodeTriggerAndFilter(triggerJSON, filterJSON []byte, trigger *types.TriggerSpec, filter *types.RecipientFilter) error {
	if err := json.Unmarshal(triggerJSON, trigger); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "corrupt trigger spec", err)
	}
	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, filter); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "corrupt recipient filter", err)
		}
	}
	return nil
}
