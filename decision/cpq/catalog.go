// Package cpq is the configurator session: it owns the selection, the manual
// adjustments, the preview requester and the draft persister for one operator.
package cpq

import (
	"context"
	"fmt"

	"quote-cpq/decision/selection"
	qerrors "quote-cpq/pkg/errors"
)

// RuleSet is a server-defined pricing rule set.
type RuleSet struct {
	ID           string                 `json:"id"`
	Code         string                 `json:"code"`
	Name         string                 `json:"name"`
	Status       string                 `json:"status"`
	Description  string                 `json:"description,omitempty"`
	ConfigSchema selection.ConfigSchema `json:"configSchema"`
}

// QuoteTemplate groups the published versions of a pricing template.
type QuoteTemplate struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Category string                 `json:"category,omitempty"`
	Status   string                 `json:"status"`
	Versions []QuoteTemplateVersion `json:"versions"`
}

type QuoteTemplateVersion struct {
	ID           string                 `json:"id"`
	TemplateID   string                 `json:"templateId"`
	Version      int                    `json:"version"`
	Status       string                 `json:"status"`
	ConfigSchema selection.ConfigSchema `json:"configSchema"`
}

// CatalogFilter narrows catalog listings.
type CatalogFilter struct {
	Status  string
	Keyword string
}

// Catalog lists the pricing sources and their schemas.
type Catalog interface {
	ListRuleSets(ctx context.Context, filter CatalogFilter) ([]RuleSet, error)
	ListQuoteTemplates(ctx context.Context, filter CatalogFilter) ([]QuoteTemplate, error)
}

// loadSchema finds the schema of src. The display name is returned for logging.
func loadSchema(ctx context.Context, catalog Catalog, src selection.Source) (selection.ConfigSchema, string, error) {
	switch src.Kind {
	case selection.SourceRuleSet:
		sets, err := catalog.ListRuleSets(ctx, CatalogFilter{})
		if err != nil {
			return nil, "", fmt.Errorf("failed to list rule sets: %w", err)
		}
		for _, rs := range sets {
			if rs.ID == src.ID {
				return rs.ConfigSchema, rs.Name, nil
			}
		}
		return nil, "", qerrors.NewInvalidField("ruleSetId", fmt.Sprintf("rule set %s not found", src.ID))

	case selection.SourceTemplate:
		templates, err := catalog.ListQuoteTemplates(ctx, CatalogFilter{})
		if err != nil {
			return nil, "", fmt.Errorf("failed to list quote templates: %w", err)
		}
		for _, t := range templates {
			for _, v := range t.Versions {
				if v.ID == src.ID {
					return v.ConfigSchema, fmt.Sprintf("%s v%d", t.Name, v.Version), nil
				}
			}
		}
		return nil, "", qerrors.NewInvalidField("templateVersionId", fmt.Sprintf("template version %s not found", src.ID))
	}
	return nil, "", nil
}
