package triage

import (
	"context"
	"strings"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

var criticalTerms = []string{
	"chest pain", "unconscious", "not breathing", "difficulty breathing",
	"shortness of breath", "severe bleeding", "heavy bleeding", "seizure",
	"convulsion", "stroke", "snake bite", "snakebite", "poison", "suicid",
	"heart attack", "labour pain", "labor pain", "head injury", "fainted",
}

var mediumTerms = []string{
	"fever", "vomit", "diarrh", "infection", "fracture", "broken", "burn",
	"swelling", "rash", "cough", "wound", "pain", "dizzy", "dehydrat",
	"pregnan", "asthma", "blood pressure", "sugar",
}

// KeywordClassifier triages by substring match. It is the default when no
// remote classifier is configured and never fails.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, reason string) (appointment.Urgency, error) {
	text := strings.ToLower(reason)
	for _, t := range criticalTerms {
		if strings.Contains(text, t) {
			return appointment.UrgencyCritical, nil
		}
	}
	for _, t := range mediumTerms {
		if strings.Contains(text, t) {
			return appointment.UrgencyMedium, nil
		}
	}
	return appointment.UrgencyNormal, nil
}
