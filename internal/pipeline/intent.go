package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Intent categories returned by detection.
const (
	IntentGeneral     = "general"
	IntentGreeting    = "greeting"
	IntentQuestion    = "question"
	IntentAppointment = "appointment"
	IntentPurchase    = "purchase"
	IntentSupport     = "support"
	IntentComplaint   = "complaint"
)

// Sentiments returned by detection.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

const intentSchemaName = "message_intent"

const intentSystemPrompt = "Classify the customer message. Return its intent category, its sentiment and " +
	"the ISO 639-1 code of the language it is written in. Earlier turns, when given, are context only."

var intentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"category": map[string]any{
			"type": "string",
			"enum": []string{IntentGeneral, IntentGreeting, IntentQuestion, IntentAppointment, IntentPurchase, IntentSupport, IntentComplaint},
		},
		"sentiment": map[string]any{
			"type": "string",
			"enum": []string{SentimentPositive, SentimentNeutral, SentimentNegative},
		},
		"language": map[string]any{"type": "string"},
	},
	"required":             []string{"category", "sentiment", "language"},
	"additionalProperties": false,
}

// Intent is the result of intent, sentiment and language detection.
type Intent struct {
	Category  string `json:"category"`
	Sentiment string `json:"sentiment"`
	Language  string `json:"language"`
}

func defaultIntent() Intent {
	return Intent{Category: IntentGeneral, Sentiment: SentimentNeutral}
}

// intentHistoryTurns is how many recorded exchanges accompany the message being classified.
const intentHistoryTurns = 5

// intentPrompt renders message after the tail of history.
func intentPrompt(message string, history []models.IntentRecord) string {
	if len(history) > intentHistoryTurns {
		history = history[len(history)-intentHistoryTurns:]
	}
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, rec := range history {
		b.WriteString("Customer: " + rec.Message + "\n")
		if rec.Response != "" {
			b.WriteString("Assistant: " + rec.Response + "\n")
		}
	}
	b.WriteString("\nMessage to classify:\n")
	b.WriteString(message)
	return b.String()
}

// detectIntent classifies message in the light of recent history. Detection failures degrade to defaultIntent.
func (p *Pipeline) detectIntent(ctx context.Context, conversationID, message string, history []models.IntentRecord) Intent {
	if p.gen == nil {
		return defaultIntent()
	}
	var in Intent
	if err := p.gen.GenerateStructured(ctx, intentSchemaName, intentSchema, intentSystemPrompt, intentPrompt(message, history), &in); err != nil {
		slog.Warn("Pipeline.detectIntent: detection failed, using defaults", "conversationID", conversationID, "error", err)
		return defaultIntent()
	}
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	in.Sentiment = strings.ToLower(strings.TrimSpace(in.Sentiment))
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if in.Category == "" {
		in.Category = IntentGeneral
	}
	if in.Sentiment == "" {
		in.Sentiment = SentimentNeutral
	}
	return in
}

// handoffReason returns why message should go to a human, or "".
func handoffReason(bot *models.BotConfig, message string, in Intent) string {
	for _, kw := range bot.HandoffKeywords {
		if strings.TrimSpace(kw) != "" && util.ContainsFold(message, strings.TrimSpace(kw)) {
			return models.HandoffReasonKeyword
		}
	}
	if bot.HandoffOnNegativeSentiment && in.Sentiment == SentimentNegative {
		return models.HandoffReasonNegativeSentiment
	}
	return ""
}
