package intents_test

import (
	"math"
	"testing"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/intents"
	"github.com/halbridge/halbridge/pkg/models"
)

func newTestRecognizer(t *testing.T, opts ...intents.Option) *intents.Recognizer {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	r, err := intents.New(c, opts...)
	if err != nil {
		t.Fatalf("intents.New() error = %v", err)
	}
	return r
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecognize(t *testing.T) {
	r := newTestRecognizer(t)

	tests := []struct {
		text       string
		label      string
		confidence float64
	}{
		{"turn on light 2", "iot.toggle", 0.9},
		{"Włącz światło 1", "iot.toggle", 0.9},
		{"zalacz swialto 2", "iot.toggle", 0.9},
		{"mrugaj światło 1 5 razy", "iot.blink", 0.9},
		{"fetch onet", "web.fetch", 0.9},
		{"go to https://example.com/docs", "web.fetch", 0.6},
		{"delete all files", "system.exec", 0.95},
		{"Usuń wszystkie pliki", "system.exec", 0.95},
		{"run uptime", "system.exec", 0.95},
		{"uruchom polecenie ls -la", "system.exec", 0.95},
		{"cat notes.txt", "file.read", 0.9},
		{"search files for TODO", "file.search", 0.9},
		{"read file notes.txt", "file.read", 0.9},
		{"list files in /tmp", "file.list", 0.9},
		{"write hello to notes.txt", "file.write", 0.6},
		{"hello, how are you today?", models.IntentNone, 1.0},
		{"", models.IntentNone, 1.0},
		{"   \t ", models.IntentNone, 1.0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.text, func(t *testing.T) {
			got := r.Recognize(tt.text)
			if got.Label != tt.label {
				t.Errorf("Recognize(%q).Label = %q, want %q", tt.text, got.Label, tt.label)
			}
			if !approx(got.Confidence, tt.confidence) {
				t.Errorf("Recognize(%q).Confidence = %v, want %v", tt.text, got.Confidence, tt.confidence)
			}
		})
	}
}

func TestRecognize_ChatStaysConversation(t *testing.T) {
	r := newTestRecognizer(t)

	texts := []string{
		"I went for a run this morning",
		"please delete my last message from memory",
		"what should I cat my essay",
		"can you execute this plan with me",
		"I wanted to read the file you sent yesterday",
		"powiedz mi, czy mogę usunąć ten plik",
		"kto wykonał ten obraz?",
	}
	for _, text := range texts {
		text := text
		t.Run(text, func(t *testing.T) {
			if got := r.Recognize(text); !got.IsNone() {
				t.Errorf("Recognize(%q) = %+v, want conversation", text, got)
			}
		})
	}
}

func TestRecognize_BelowThresholdIsConversation(t *testing.T) {
	r := newTestRecognizer(t, intents.WithThreshold(0.7))

	got := r.Recognize("go to https://example.com")
	if !got.IsNone() {
		t.Errorf("Recognize() = %+v, want conversation below T_min", got)
	}
	if !approx(got.Confidence, 0.4) {
		t.Errorf("Recognize().Confidence = %v, want 0.4", got.Confidence)
	}

	if got := r.Recognize("turn off light 1"); got.Label != "iot.toggle" {
		t.Errorf("keyword hit should still clear T_min 0.7, got %+v", got)
	}
}

func TestRecognize_UnroutableDemoted(t *testing.T) {
	r := newTestRecognizer(t, intents.WithRoutable(func(label string) bool {
		return label != "system.exec"
	}))

	if got := r.Recognize("run uptime"); !got.IsNone() {
		t.Errorf("Recognize(run uptime) = %+v, want demoted to conversation", got)
	}
	if got := r.Recognize("turn on light 2"); got.Label != "iot.toggle" {
		t.Errorf("Recognize(turn on light 2) = %+v, want iot.toggle", got)
	}
}

func TestRecognize_Deterministic(t *testing.T) {
	r := newTestRecognizer(t)
	texts := []string{"turn on light 2", "fetch onet", "search files for x", "co slychac"}
	for _, text := range texts {
		first := r.Recognize(text)
		for i := 0; i < 20; i++ {
			if got := r.Recognize(text); got != first {
				t.Fatalf("Recognize(%q) run %d = %+v, want %+v", text, i, got, first)
			}
		}
	}
}

func TestRecognize_TieGoesToCatalogOrder(t *testing.T) {
	c, err := catalog.Parse([]byte(`
intents:
  - {label: a.first, keywords: [ping], capability: a.first}
  - {label: b.second, keywords: [ping], capability: b.second}
`))
	if err != nil {
		t.Fatal(err)
	}
	r, err := intents.New(c)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Recognize("ping"); got.Label != "a.first" {
		t.Errorf("Recognize(ping).Label = %q, want a.first", got.Label)
	}
}
