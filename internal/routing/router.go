package routing

import (
	"log/slog"
	"strings"

	"github.com/stewardai/steward/internal/agent"
)

// Target names a provider/model destination.
type Target struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// RouteResult is the resolved destination for one request.
type RouteResult struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// WasAutoRouted is true when the destination was selected by
	// classification rather than the caller's explicit choice.
	WasAutoRouted bool `json:"was_auto_routed"`

	// Classification is attached for observability.
	Classification ClassificationResult `json:"classification"`
}

// Config configures the router.
type Config struct {
	// AutoRoute enables intent-based routing. When false every request
	// passes through with the caller's explicit provider/model.
	AutoRoute bool `yaml:"auto_route"`

	// ConfidenceThreshold gates auto-routing: classifications below it
	// fall back to the defaults. Default: 0.6
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// DefaultProvider and DefaultModel are used when nothing more
	// specific applies.
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	// IntentRoutes maps intents to preferred destinations, overriding
	// the built-in preferences.
	IntentRoutes map[Intent]Target `yaml:"intent_routes"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		AutoRoute:           true,
		ConfidenceThreshold: 0.6,
		DefaultProvider:     "anthropic",
		DefaultModel:        "claude-sonnet-4-20250514",
	}
}

// Built-in per-intent preferences, consulted after configured routes.
var builtinRoutes = map[Intent]Target{
	IntentCodeTask:       {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
	IntentKnowledgeQuery: {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
	IntentDataAnalysis:   {Provider: "openai", Model: "gpt-4o"},
	IntentActionRequest:  {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
	IntentGeneralChat:    {Provider: "openai", Model: "gpt-4o-mini"},
}

// Router selects a provider/model destination per request, combining the
// caller's explicit choice, classification, and per-intent preferences.
type Router struct {
	config     Config
	classifier Classifier
	logger     *slog.Logger
}

// Options carries optional router collaborators.
type Options struct {
	// Classifier defaults to RuleClassifier.
	Classifier Classifier

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewRouter creates a router with the given configuration.
func NewRouter(config Config, opts Options) *Router {
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	if config.DefaultProvider == "" {
		config.DefaultProvider = DefaultConfig().DefaultProvider
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultConfig().DefaultModel
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = &RuleClassifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{config: config, classifier: classifier, logger: logger}
}

// RouteRequest describes what the caller asked for.
type RouteRequest struct {
	// Messages is the conversation to classify.
	Messages []agent.CompletionMessage

	// Provider and Model are the caller's explicit choices; either may
	// be empty. Explicit choices always win over classification.
	Provider string
	Model    string
}

// RouteForRequest resolves the destination for a request.
//
// With auto-routing disabled the caller's provider/model passes through
// untouched. Otherwise the request is classified (with multi-modal
// adjustment), the confidence threshold applied, and the destination
// resolved through the preference chain: caller override, configured
// per-intent route, built-in route, defaults.
func (r *Router) RouteForRequest(req RouteRequest) RouteResult {
	classification := AdjustForMultiModal(r.classifier.Classify(req.Messages), req.Messages)

	if !r.config.AutoRoute {
		return RouteResult{
			Provider:       r.orDefaultProvider(req.Provider),
			Model:          r.orDefaultModel(req.Model),
			WasAutoRouted:  false,
			Classification: classification,
		}
	}

	if classification.Confidence < r.config.ConfidenceThreshold {
		// Too uncertain to auto-route.
		return RouteResult{
			Provider:       r.orDefaultProvider(req.Provider),
			Model:          r.orDefaultModel(req.Model),
			WasAutoRouted:  false,
			Classification: classification,
		}
	}

	target := r.targetForIntent(classification.Intent)
	result := RouteResult{
		Provider:       target.Provider,
		Model:          target.Model,
		WasAutoRouted:  true,
		Classification: classification,
	}
	// Caller overrides beat intent preferences.
	if p := normalizeID(req.Provider); p != "" {
		result.Provider = p
	}
	if req.Model != "" {
		result.Model = req.Model
	}

	r.logger.Debug("routed request",
		"intent", classification.Intent,
		"confidence", classification.Confidence,
		"provider", result.Provider,
		"model", result.Model,
		"auto", result.WasAutoRouted)
	return result
}

func (r *Router) targetForIntent(intent Intent) Target {
	if target, ok := r.config.IntentRoutes[intent]; ok {
		return r.fillTarget(target)
	}
	if target, ok := builtinRoutes[intent]; ok {
		return r.fillTarget(target)
	}
	return Target{Provider: r.config.DefaultProvider, Model: r.config.DefaultModel}
}

func (r *Router) fillTarget(target Target) Target {
	if target.Provider == "" {
		target.Provider = r.config.DefaultProvider
	}
	if target.Model == "" {
		target.Model = r.config.DefaultModel
	}
	return target
}

func (r *Router) orDefaultProvider(provider string) string {
	if p := normalizeID(provider); p != "" {
		return p
	}
	return r.config.DefaultProvider
}

func (r *Router) orDefaultModel(model string) string {
	if model != "" {
		return model
	}
	return r.config.DefaultModel
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
