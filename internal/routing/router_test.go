package routing

import (
	"testing"

	"github.com/stewardai/steward/internal/agent"
)

func userMsg(content string) []agent.CompletionMessage {
	return []agent.CompletionMessage{{Role: "user", Content: content}}
}

func userMsgWithImage(content string) []agent.CompletionMessage {
	return []agent.CompletionMessage{{
		Role:    "user",
		Content: content,
		Attachments: []agent.Attachment{
			{Type: "image", MimeType: "image/png"},
		},
	}}
}

func TestRuleClassifier_Intents(t *testing.T) {
	c := &RuleClassifier{}
	cases := []struct {
		content string
		want    Intent
	}{
		{"please refactor this func to use generics", IntentCodeTask},
		{"```go\nfunc main() {}\n```", IntentCodeTask},
		{"analyze this csv and plot the trend", IntentDataAnalysis},
		{"deploy the service and restart the workers", IntentActionRequest},
		{"what is the difference between a mutex and a semaphore?", IntentKnowledgeQuery},
		{"hey there", IntentGeneralChat},
	}
	for _, tc := range cases {
		got := c.Classify(userMsg(tc.content))
		if got.Intent != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.content, got.Intent, tc.want)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("Classify(%q) confidence out of range: %f", tc.content, got.Confidence)
		}
	}
}

func TestRuleClassifier_UsesLastUserMessage(t *testing.T) {
	c := &RuleClassifier{}
	messages := []agent.CompletionMessage{
		{Role: "user", Content: "analyze this dataset"},
		{Role: "assistant", Content: "sure"},
		{Role: "user", Content: "actually, refactor the parser func instead"},
	}
	if got := c.Classify(messages); got.Intent != IntentCodeTask {
		t.Errorf("intent = %s, want code_task from the latest user message", got.Intent)
	}
}

func TestAdjustForMultiModal(t *testing.T) {
	base := ClassificationResult{Intent: IntentGeneralChat, Confidence: 0.3}

	adjusted := AdjustForMultiModal(base, userMsgWithImage("what's this?"))
	if adjusted.Intent != IntentKnowledgeQuery {
		t.Errorf("intent = %s, want knowledge_query upgrade", adjusted.Intent)
	}
	if adjusted.Confidence < 0.75 {
		t.Errorf("confidence = %f, want >= 0.75", adjusted.Confidence)
	}
	if !adjusted.MultiModal {
		t.Error("MultiModal flag not set")
	}

	// No attachments: untouched.
	same := AdjustForMultiModal(base, userMsg("what's this?"))
	if same != base {
		t.Errorf("adjustment without attachments changed result: %+v", same)
	}

	// Non-chat intents keep their intent, only confidence moves.
	code := AdjustForMultiModal(ClassificationResult{Intent: IntentCodeTask, Confidence: 0.5}, userMsgWithImage("fix"))
	if code.Intent != IntentCodeTask {
		t.Errorf("intent = %s, want code_task preserved", code.Intent)
	}
}

func TestRouter_AutoRouteDisabledPassesThrough(t *testing.T) {
	r := NewRouter(Config{AutoRoute: false, DefaultProvider: "anthropic", DefaultModel: "m-default"}, Options{})

	// Strong code-task content must not override the explicit choice.
	result := r.RouteForRequest(RouteRequest{
		Messages: userMsg("refactor this func please"),
		Provider: "openai",
		Model:    "gpt-4o",
	})
	if result.WasAutoRouted {
		t.Error("WasAutoRouted must be false when auto-routing is disabled")
	}
	if result.Provider != "openai" || result.Model != "gpt-4o" {
		t.Errorf("explicit choice not preserved: %s/%s", result.Provider, result.Model)
	}
}

func TestRouter_AutoRouteResolvesIntent(t *testing.T) {
	r := NewRouter(Config{
		AutoRoute:           true,
		ConfidenceThreshold: 0.6,
		IntentRoutes: map[Intent]Target{
			IntentCodeTask: {Provider: "anthropic", Model: "m-code"},
		},
	}, Options{})

	result := r.RouteForRequest(RouteRequest{Messages: userMsg("```go\nfunc main() {}\n```\nrefactor this func")})
	if !result.WasAutoRouted {
		t.Fatal("expected auto-routing")
	}
	if result.Provider != "anthropic" || result.Model != "m-code" {
		t.Errorf("route = %s/%s, want configured code route", result.Provider, result.Model)
	}
	if result.Classification.Intent != IntentCodeTask {
		t.Errorf("classification = %s", result.Classification.Intent)
	}
}

func TestRouter_LowConfidenceDoesNotAutoRoute(t *testing.T) {
	r := NewRouter(Config{AutoRoute: true, ConfidenceThreshold: 0.6, DefaultProvider: "anthropic", DefaultModel: "m-default"}, Options{})

	result := r.RouteForRequest(RouteRequest{Messages: userMsg("hmm")})
	if result.WasAutoRouted {
		t.Error("low-confidence classification must not auto-route")
	}
	if result.Provider != "anthropic" || result.Model != "m-default" {
		t.Errorf("route = %s/%s, want defaults", result.Provider, result.Model)
	}
}

func TestRouter_CallerOverrideBeatsIntentRoute(t *testing.T) {
	r := NewRouter(DefaultConfig(), Options{})

	result := r.RouteForRequest(RouteRequest{
		Messages: userMsg("refactor this func to be faster"),
		Model:    "m-custom",
	})
	if !result.WasAutoRouted {
		t.Fatal("expected auto-routing")
	}
	if result.Model != "m-custom" {
		t.Errorf("model = %s, want caller override", result.Model)
	}
}

func TestRouter_MultiModalUpgradeRoutes(t *testing.T) {
	r := NewRouter(DefaultConfig(), Options{})

	// Text alone would be general_chat at 0.3 confidence; the attachment
	// upgrades it past the threshold.
	result := r.RouteForRequest(RouteRequest{Messages: userMsgWithImage("thoughts on this screenshot")})
	if !result.WasAutoRouted {
		t.Error("multi-modal request should auto-route")
	}
	if result.Classification.Intent != IntentKnowledgeQuery {
		t.Errorf("intent = %s, want knowledge_query", result.Classification.Intent)
	}
}

type fixedClassifier struct {
	result ClassificationResult
}

func (c *fixedClassifier) Classify([]agent.CompletionMessage) ClassificationResult {
	return c.result
}

func TestHybridClassifier_EscalatesLowConfidence(t *testing.T) {
	h := &HybridClassifier{
		Primary:             &fixedClassifier{ClassificationResult{Intent: IntentGeneralChat, Confidence: 0.3}},
		Secondary:           &fixedClassifier{ClassificationResult{Intent: IntentDataAnalysis, Confidence: 0.9}},
		EscalationThreshold: 0.6,
	}
	got := h.Classify(userMsg("x"))
	if got.Intent != IntentDataAnalysis {
		t.Errorf("intent = %s, want escalated data_analysis", got.Intent)
	}
}

func TestHybridClassifier_NoEscalationAboveThreshold(t *testing.T) {
	secondary := &fixedClassifier{ClassificationResult{Intent: IntentDataAnalysis, Confidence: 0.9}}
	h := &HybridClassifier{
		Primary:             &fixedClassifier{ClassificationResult{Intent: IntentCodeTask, Confidence: 0.8}},
		Secondary:           secondary,
		EscalationThreshold: 0.6,
	}
	if got := h.Classify(userMsg("x")); got.Intent != IntentCodeTask {
		t.Errorf("intent = %s, want primary result", got.Intent)
	}
}
