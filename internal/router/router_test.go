package router_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/intents"
	"github.com/halbridge/halbridge/internal/registry"
	"github.com/halbridge/halbridge/internal/router"
	"github.com/halbridge/halbridge/internal/slots"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
)

type fixture struct {
	recognizer *intents.Recognizer
	extractor  *slots.Extractor
	router     *router.Router
}

func stub(name string) contracts.Handler {
	return contracts.HandlerFunc{
		Capability: models.CapabilitySpec{Name: name},
		Fn: func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
			return &models.HandlerResult{OK: true}, nil
		},
	}
}

// newTestRouter wires the default catalog to a registry holding stubs for
// the given capabilities.
func newTestRouter(t *testing.T, capabilities ...string) *fixture {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	reg := registry.New()
	for _, name := range capabilities {
		reg.MustRegister(stub(name))
	}
	ex, err := slots.New(c)
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(c, reg, ex)
	rec, err := intents.New(c, intents.WithRoutable(rt.Routable))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{recognizer: rec, extractor: ex, router: rt}
}

func (f *fixture) route(text string) (*models.RoutingDecision, error) {
	intent := f.recognizer.Recognize(text)
	return f.router.Route("utt-1", intent, f.extractor.Extract(text, intent.Label))
}

var allCapabilities = []string{
	"iot.toggle", "iot.command", "iot.blink",
	"web.fetch", "browser.fetch",
	"system.exec", "file.read", "file.chunk", "file.write", "file.list", "file.search",
	models.CapabilityClarify,
}

func TestRoute_Conversation(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)
	d, err := f.route("what a lovely day")
	if err != nil || d != nil {
		t.Errorf("Route(conversation) = %v, %v; want nil, nil", d, err)
	}
}

func TestRoute_ToggleScenario(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)
	d, err := f.route("turn on light 2")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Capability != "iot.toggle" {
		t.Errorf("Capability = %q, want iot.toggle", d.Capability)
	}
	if want := []string{"iot.toggle", "iot.command"}; !reflect.DeepEqual(d.FallbackChain, want) {
		t.Errorf("FallbackChain = %v, want %v", d.FallbackChain, want)
	}
	if got := d.Args.Args(); !reflect.DeepEqual(got, map[string]any{"device": 2.0, "state": "on"}) {
		t.Errorf("Args = %v", got)
	}
	if d.ID == "" || d.UtteranceID != "utt-1" || d.Source != models.SourceRecognizer {
		t.Errorf("decision metadata = %+v", d)
	}
}

func TestRoute_IncompleteGoesToClarify(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)
	d, err := f.route("turn on")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !d.IsClarification() {
		t.Fatalf("Capability = %q, want dialog.clarify", d.Capability)
	}
	if !reflect.DeepEqual(d.Missing, []string{"device"}) {
		t.Errorf("Missing = %v, want [device]", d.Missing)
	}
	if d.Intent != "iot.toggle" {
		t.Errorf("Intent = %q, want iot.toggle", d.Intent)
	}
}

func TestRoute_UnknownIntentIsUnroutable(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)
	_, err := f.router.Route("u", models.Intent{Label: "mail.search", Confidence: 0.9}, models.NewSlotSet("mail.search"))
	if !errors.Is(err, models.ErrUnroutableIntent) {
		t.Errorf("Route(mail.search) error = %v, want ErrUnroutableIntent", err)
	}
}

func TestRoute_UnregisteredCapabilityNeverRouted(t *testing.T) {
	f := newTestRouter(t, "iot.toggle", models.CapabilityClarify)

	if f.router.Routable("system.exec") {
		t.Error("Routable(system.exec) = true without a registered handler")
	}
	_, err := f.router.Route("u", models.Intent{Label: "system.exec", Confidence: 0.9}, models.NewSlotSet("system.exec"))
	if !errors.Is(err, models.ErrUnroutableIntent) {
		t.Errorf("Route(system.exec) error = %v, want ErrUnroutableIntent", err)
	}

	d, err := f.route("turn on light 1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.FallbackChain, []string{"iot.toggle"}) {
		t.Errorf("FallbackChain = %v, want unregistered alternate dropped", d.FallbackChain)
	}
}

func TestRoute_ConfidenceIgnoredAboveThreshold(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)
	set := f.extractor.Extract("turn on light 2", "iot.toggle")

	low, err := f.router.Route("u", models.Intent{Label: "iot.toggle", Confidence: 0.51}, set)
	if err != nil {
		t.Fatal(err)
	}
	high, err := f.router.Route("u", models.Intent{Label: "iot.toggle", Confidence: 1.0}, set)
	if err != nil {
		t.Fatal(err)
	}
	if low.Capability != high.Capability || !reflect.DeepEqual(low.FallbackChain, high.FallbackChain) {
		t.Errorf("routing differs by confidence: %+v vs %+v", low, high)
	}
}

func TestRouteToolCall(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)

	d, err := f.router.RouteToolCall("u", models.ToolCallRequest{
		Capability: "web.fetch",
		Args:       map[string]any{"url": "onet"},
	})
	if err != nil {
		t.Fatalf("RouteToolCall() error = %v", err)
	}
	if d.Source != models.SourceModel {
		t.Errorf("Source = %q, want model", d.Source)
	}
	if got := d.Args.Args()["url"]; got != "https://onet.pl" {
		t.Errorf("url = %v, want https://onet.pl", got)
	}
	if want := []string{"web.fetch", "browser.fetch"}; !reflect.DeepEqual(d.FallbackChain, want) {
		t.Errorf("FallbackChain = %v, want %v", d.FallbackChain, want)
	}

	_, err = f.router.RouteToolCall("u", models.ToolCallRequest{Capability: "self.destruct"})
	if !errors.Is(err, models.ErrCapabilityNotFound) {
		t.Errorf("RouteToolCall(unknown) error = %v, want ErrCapabilityNotFound", err)
	}

	d, err = f.router.RouteToolCall("u", models.ToolCallRequest{Capability: "iot.toggle", Args: map[string]any{"state": "on"}})
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsClarification() || !reflect.DeepEqual(d.Missing, []string{"device"}) {
		t.Errorf("RouteToolCall(missing device) = %+v, want clarification for device", d)
	}
}

func TestCapabilities(t *testing.T) {
	f := newTestRouter(t, allCapabilities...)

	specs := f.router.Capabilities()
	byName := map[string]models.CapabilitySpec{}
	for _, s := range specs {
		byName[s.Name] = s
	}
	if _, ok := byName[models.CapabilityClarify]; ok {
		t.Error("Capabilities() exposes dialog.clarify")
	}
	toggle, ok := byName["iot.toggle"]
	if !ok {
		t.Fatal("Capabilities() missing iot.toggle")
	}
	if len(toggle.Params) != 2 {
		t.Errorf("iot.toggle params = %+v, want device and state", toggle.Params)
	}
	schema := toggle.InputSchema()
	if req, _ := schema["required"].([]string); !reflect.DeepEqual(req, []string{"device", "state"}) {
		t.Errorf("InputSchema required = %v", schema["required"])
	}
}
