package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zipsaai/zipsa/config"
	"github.com/zipsaai/zipsa/internal/telemetry"
	"github.com/zipsaai/zipsa/provider"
)

// Classifier turns a raw user utterance into a structured Intent.
type Classifier struct {
	config    *config.Config
	provider  provider.Provider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewClassifier creates a new intent classifier.
func NewClassifier(cfg *config.Config, prov provider.Provider, tel *telemetry.Telemetry) *Classifier {
	return &Classifier{
		config:    cfg,
		provider:  prov,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[CLASSIFIER] ", log.LstdFlags),
	}
}

// Classify runs the classification model over the query and parses the
// structured intent out of its response. Any failure, whether the model call
// itself or a malformed response, is reported as a classification error so
// the supervisor can fail the turn early.
func (c *Classifier) Classify(ctx context.Context, query string, session SessionContext) (Intent, error) {
	startTime := time.Now()

	model := c.config.LLM.Routing.Classification
	prompt := c.createClassificationPrompt(query, session)

	response, err := c.provider.Complete(ctx, model, classificationSystemPrompt, prompt)
	if err != nil {
		return Intent{}, NewError(KindClassification, fmt.Errorf("classification model call: %w", err))
	}

	intent, err := parseIntentResponse(response)
	if err != nil {
		return Intent{}, NewError(KindClassification, fmt.Errorf("parsing classification response: %w", err))
	}

	processingTime := time.Since(startTime)
	c.logger.Printf("Classified query as %s (domain=%t, confidence=%.2f) in %v",
		intent.Type, intent.IsDomainRelated, intent.Confidence, processingTime)
	if c.telemetry != nil {
		c.telemetry.RecordClassification(string(intent.Type), intent.Confidence, processingTime)
	}

	return intent, nil
}

const classificationSystemPrompt = `You are an intent classifier for a Korean real-estate assistant. You label user questions about jeonse (전세) deposits, rental contracts, housing law and housing loans. Always answer with a single JSON object and nothing else.`

func (c *Classifier) createClassificationPrompt(query string, session SessionContext) string {
	historyBlock := ""
	if len(session.History) > 0 {
		recent := session.History
		if len(recent) > 6 {
			recent = recent[len(recent)-6:]
		}
		historyBlock = "\nCONVERSATION SO FAR:\n" + strings.Join(recent, "\n")
	}

	return fmt.Sprintf(`Classify the user's question.%s

USER QUESTION: %s

INTENT TYPES:
- search: factual questions about deposits, contracts, registrations, market practice
- legal: questions about tenant protection law, lawsuits, deposit return disputes
- loan: questions about jeonse loans, mortgage products, interest and eligibility
- irrelevant: anything outside real estate and housing finance

OUTPUT FORMAT (JSON):
{
  "type": "search|legal|loan|irrelevant",
  "is_domain_related": true,
  "entities": {"region": "...", "deposit_amount": "..."},
  "keywords": ["keyword1", "keyword2"],
  "confidence": 0.0-1.0
}

Extract only entities actually present in the question. Keywords should be short Korean or English search terms. If the question is unrelated to housing, use type "irrelevant" and is_domain_related false.`, historyBlock, query)
}

// parseIntentResponse extracts and validates the JSON intent from a model
// response. Required fields must be present with the right type; a missing or
// mistyped field is an error rather than a zero value.
func parseIntentResponse(response string) (Intent, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return Intent{}, fmt.Errorf("no JSON found in response")
	}

	var raw struct {
		Type            *string           `json:"type"`
		IsDomainRelated *bool             `json:"is_domain_related"`
		Entities        map[string]string `json:"entities"`
		Keywords        []string          `json:"keywords"`
		Confidence      *float64          `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Intent{}, fmt.Errorf("invalid intent JSON: %w", err)
	}

	if raw.Type == nil || *raw.Type == "" {
		return Intent{}, fmt.Errorf("missing intent type")
	}
	if raw.IsDomainRelated == nil {
		return Intent{}, fmt.Errorf("missing is_domain_related")
	}
	if raw.Confidence == nil {
		return Intent{}, fmt.Errorf("missing confidence")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return Intent{}, fmt.Errorf("confidence %f out of range", *raw.Confidence)
	}

	intent := Intent{
		Type:            IntentType(strings.ToLower(strings.TrimSpace(*raw.Type))),
		IsDomainRelated: *raw.IsDomainRelated,
		Entities:        raw.Entities,
		Keywords:        raw.Keywords,
		Confidence:      *raw.Confidence,
	}
	if intent.Entities == nil {
		intent.Entities = map[string]string{}
	}
	return intent, nil
}

// extractJSON scans for the first balanced top-level JSON object in a model
// response, tolerating prose or code fences around it.
func extractJSON(response string) string {
	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
