package tools

import (
	"context"
	"strings"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
)

// Clarifier implements dialog.clarify: it asks for the first missing slot
// using the configured prompt table.
type Clarifier struct {
	catalog *catalog.Catalog
}

func NewClarifier(c *catalog.Catalog) *Clarifier {
	return &Clarifier{catalog: c}
}

func (c *Clarifier) Clarify(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	missing := argStrings(inv.Args, "missing")
	if len(missing) == 0 {
		return refused("nothing to clarify"), nil
	}
	slot := strings.TrimSpace(missing[0])
	return done(map[string]any{
		"intent":  argString(inv.Args, "intent"),
		"missing": missing,
		"slot":    slot,
		"message": c.catalog.Prompt(slot),
	}), nil
}
