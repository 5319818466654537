package routing

import (
	"regexp"
	"strings"

	"github.com/stewardai/steward/internal/agent"
)

// Intent is the closed classification of a request's purpose.
type Intent string

const (
	IntentKnowledgeQuery Intent = "knowledge_query"
	IntentCodeTask       Intent = "code_task"
	IntentDataAnalysis   Intent = "data_analysis"
	IntentActionRequest  Intent = "action_request"
	IntentGeneralChat    Intent = "general_chat"
)

// ClassificationResult is the outcome of intent classification.
type ClassificationResult struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`

	// SuggestedModel is a model hint from the classifier, if any.
	SuggestedModel string `json:"suggested_model,omitempty"`

	// MultiModal is set when the request carries image or file content.
	MultiModal bool `json:"multi_modal,omitempty"`
}

// Classifier assigns an intent to a conversation.
type Classifier interface {
	Classify(messages []agent.CompletionMessage) ClassificationResult
}

var (
	codeRegex     = regexp.MustCompile("(?i)\\b(func|class|def|package|import|refactor|compile|stacktrace|unit test|fix (the|this|a) (bug|test|build)|implement)\\b")
	markdownCode  = regexp.MustCompile("```")
	analysisRegex = regexp.MustCompile("(?i)\\b(analyze|analysis|dataset|csv|aggregate|statistics|correlation|chart|plot|trend|metrics)\\b")
	actionRegex   = regexp.MustCompile("(?i)\\b(run|deploy|create|delete|schedule|send|open|install|restart|migrate)\\b")
	queryRegex    = regexp.MustCompile("(?i)\\b(what is|what are|how does|how do|why|explain|define|describe|difference between)\\b")
)

// RuleClassifier tags requests using deterministic content heuristics over
// the most recent user message. It is the primary pass; low-confidence
// results can be escalated through a HybridClassifier.
type RuleClassifier struct{}

// Classify scores each intent by keyword and shape signals and returns the
// strongest one. With no signal at all the result is general_chat at low
// confidence.
func (c *RuleClassifier) Classify(messages []agent.CompletionMessage) ClassificationResult {
	content := strings.TrimSpace(lastUserContent(messages))
	if content == "" {
		return ClassificationResult{Intent: IntentGeneralChat, Confidence: 0.3}
	}

	scores := map[Intent]int{}
	if markdownCode.MatchString(content) {
		scores[IntentCodeTask] += 2
	}
	if codeRegex.MatchString(content) {
		scores[IntentCodeTask]++
	}
	if analysisRegex.MatchString(content) {
		scores[IntentDataAnalysis]++
	}
	if actionRegex.MatchString(content) {
		scores[IntentActionRequest]++
	}
	if queryRegex.MatchString(content) {
		scores[IntentKnowledgeQuery]++
	}
	if strings.HasSuffix(content, "?") {
		scores[IntentKnowledgeQuery]++
	}

	best := IntentGeneralChat
	bestScore := 0
	// Fixed precedence keeps ties deterministic.
	for _, intent := range []Intent{IntentCodeTask, IntentDataAnalysis, IntentActionRequest, IntentKnowledgeQuery} {
		if scores[intent] > bestScore {
			best = intent
			bestScore = scores[intent]
		}
	}

	if bestScore == 0 {
		return ClassificationResult{Intent: IntentGeneralChat, Confidence: 0.3}
	}

	confidence := 0.5 + 0.15*float64(bestScore)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return ClassificationResult{Intent: best, Confidence: confidence}
}

// AdjustForMultiModal upgrades a classification when the request carries
// image or file content. Text heuristics alone under-classify these: an
// attached screenshot with "what's this?" is a knowledge query, not chat.
func AdjustForMultiModal(result ClassificationResult, messages []agent.CompletionMessage) ClassificationResult {
	if !hasAttachments(messages) {
		return result
	}
	result.MultiModal = true
	if result.Intent == IntentGeneralChat {
		result.Intent = IntentKnowledgeQuery
	}
	if result.Confidence < 0.75 {
		result.Confidence = 0.75
	}
	return result
}

// HybridClassifier escalates low-confidence primary results to a secondary
// classifier (typically model-based). The higher-confidence answer wins.
type HybridClassifier struct {
	Primary   Classifier
	Secondary Classifier

	// EscalationThreshold triggers the secondary pass when the primary
	// confidence falls below it. Default: 0.6
	EscalationThreshold float64
}

// Classify runs the primary classifier, escalating when confidence is low.
func (c *HybridClassifier) Classify(messages []agent.CompletionMessage) ClassificationResult {
	primary := c.Primary
	if primary == nil {
		primary = &RuleClassifier{}
	}
	result := primary.Classify(messages)

	threshold := c.EscalationThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	if result.Confidence >= threshold || c.Secondary == nil {
		return result
	}

	escalated := c.Secondary.Classify(messages)
	if escalated.Confidence > result.Confidence {
		return escalated
	}
	return result
}

func lastUserContent(messages []agent.CompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

func hasAttachments(messages []agent.CompletionMessage) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return len(messages[i].Attachments) > 0
	}
	return false
}
