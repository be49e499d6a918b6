// Package router implements the Intent Router.
//
// The router combines a recognized intent with its extracted slots and the
// registered capabilities into a RoutingDecision: conversation passes
// through with no decision, unknown intents fail with UnroutableIntent,
// incomplete slots reroute to dialog.clarify, and complete slot sets get the
// intent's primary capability followed by its configured alternates.
// Confidence plays no part once an intent has cleared T_min.
package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/registry"
	"github.com/halbridge/halbridge/internal/slots"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Router is read-only after New and safe for concurrent use.
type Router struct {
	catalog   *catalog.Catalog
	registry  *registry.Registry
	extractor *slots.Extractor

	// capability → first intent using it as primary
	byCapability map[string]string
}

// New creates a router over the static intent table of c.
func New(c *catalog.Catalog, reg *registry.Registry, ex *slots.Extractor) *Router {
	r := &Router{
		catalog:      c,
		registry:     reg,
		extractor:    ex,
		byCapability: make(map[string]string),
	}
	for _, in := range c.Intents {
		if _, ok := r.byCapability[in.Capability]; !ok {
			r.byCapability[in.Capability] = in.Label
		}
	}
	return r
}

// Routable reports whether label has a table entry whose primary capability
// is registered. The recognizer demotes labels that are not routable.
func (r *Router) Routable(label string) bool {
	in, ok := r.catalog.Intent(label)
	return ok && r.registry.Has(in.Capability)
}

// Route produces the decision for one utterance. It returns (nil, nil) for
// conversation and an error wrapping models.ErrUnroutableIntent when the
// intent cannot be routed; callers demote both to conversation.
func (r *Router) Route(utteranceID string, intent models.Intent, set models.SlotSet) (*models.RoutingDecision, error) {
	if intent.IsNone() {
		return nil, nil
	}

	in, ok := r.catalog.Intent(intent.Label)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnroutableIntent, intent.Label)
	}
	if !r.registry.Has(in.Capability) {
		return nil, fmt.Errorf("%w: %s (capability %s not registered)", models.ErrUnroutableIntent, intent.Label, in.Capability)
	}

	if missing := set.Missing(); len(missing) > 0 {
		return r.clarify(utteranceID, in.Label, missing, models.SourceRecognizer)
	}

	return r.decide(utteranceID, in, in.Capability, set, models.SourceRecognizer), nil
}

// RouteToolCall routes a capability proposed by the conversational model,
// bypassing recognition and extraction. Proposed args are coerced through
// the schema of the intent that owns the capability.
func (r *Router) RouteToolCall(utteranceID string, call models.ToolCallRequest) (*models.RoutingDecision, error) {
	if !r.registry.Has(call.Capability) {
		return nil, fmt.Errorf("%w: %s", models.ErrCapabilityNotFound, call.Capability)
	}

	label, owned := r.byCapability[call.Capability]
	if !owned {
		label = call.Capability
	}
	set := r.extractor.FromArgs(label, call.Args)

	if missing := set.Missing(); len(missing) > 0 {
		return r.clarify(utteranceID, label, missing, models.SourceModel)
	}

	in, ok := r.catalog.Intent(label)
	if !ok {
		in = &catalog.IntentDef{Label: label, Capability: call.Capability}
	}
	return r.decide(utteranceID, in, call.Capability, set, models.SourceModel), nil
}

func (r *Router) decide(utteranceID string, in *catalog.IntentDef, primary string, set models.SlotSet, source string) *models.RoutingDecision {
	chain := []string{primary}
	if primary == in.Capability {
		for _, alt := range in.Alternates {
			if alt == primary {
				continue
			}
			if !r.registry.Has(alt) {
				log.Warn().
					Str("intent", in.Label).
					Str("capability", alt).
					Msg("Alternate capability not registered, skipping")
				continue
			}
			chain = append(chain, alt)
		}
	}

	d := &models.RoutingDecision{
		ID:            uuid.NewString(),
		UtteranceID:   utteranceID,
		Intent:        in.Label,
		Capability:    primary,
		Args:          set,
		FallbackChain: chain,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	log.Debug().
		Str("utterance_id", utteranceID).
		Str("decision_id", d.ID).
		Str("intent", in.Label).
		Strs("chain", chain).
		Msg("Route decided")
	return d
}

func (r *Router) clarify(utteranceID, label string, missing []string, source string) (*models.RoutingDecision, error) {
	if !r.registry.Has(models.CapabilityClarify) {
		return nil, fmt.Errorf("%w: %s", models.ErrCapabilityNotFound, models.CapabilityClarify)
	}

	args := models.NewSlotSet(models.CapabilityClarify)
	args.Slots["intent"] = models.Slot{Name: "intent", Type: models.SlotString, Status: models.SlotPresent, Raw: label, Value: label}
	args.Slots["missing"] = models.Slot{Name: "missing", Type: models.SlotString, Status: models.SlotPresent, Value: missing}

	d := &models.RoutingDecision{
		ID:            uuid.NewString(),
		UtteranceID:   utteranceID,
		Intent:        label,
		Capability:    models.CapabilityClarify,
		Args:          args,
		FallbackChain: []string{models.CapabilityClarify},
		Missing:       missing,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	log.Debug().
		Str("utterance_id", utteranceID).
		Str("decision_id", d.ID).
		Str("intent", label).
		Strs("missing", missing).
		Msg("Slots incomplete, routing to clarification")
	return d, nil
}

// Capabilities lists the registered capabilities a model may propose, with
// parameters taken from the slot schema of the owning intent. dialog.clarify
// is internal and left out.
func (r *Router) Capabilities() []models.CapabilitySpec {
	specs := r.registry.Specs()
	out := make([]models.CapabilitySpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == models.CapabilityClarify {
			continue
		}
		if label, ok := r.byCapability[spec.Name]; ok {
			if len(spec.Params) == 0 {
				spec.Params = r.extractor.Schema(label)
			}
			if in, ok := r.catalog.Intent(label); ok && spec.Description == "" {
				spec.Description = in.Description
			}
		}
		out = append(out, spec)
	}
	return out
}
