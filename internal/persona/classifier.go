package persona

import "strings"

// Intent is what an inbound message asks the session to do.
type Intent int

const (
	// IntentConversation is ordinary input for the language model.
	IntentConversation Intent = iota
	// IntentActivateVoice switches the session to spoken replies.
	IntentActivateVoice
	// IntentAcknowledge is conversational input that also confirms the
	// user hears the voice.
	IntentAcknowledge
)

func (i Intent) String() string {
	switch i {
	case IntentActivateVoice:
		return "activate_voice"
	case IntentAcknowledge:
		return "acknowledge"
	default:
		return "conversation"
	}
}

// Classifier maps inbound text to an Intent.
type Classifier struct {
	activation string
	phrases    []string
}

// NewClassifier builds a classifier from p's command and phrase list.
func NewClassifier(p Persona) *Classifier {
	phrases := make([]string, 0, len(p.AcknowledgmentPhrases))
	for _, phrase := range p.AcknowledgmentPhrases {
		phrases = append(phrases, strings.ToLower(phrase))
	}
	return &Classifier{activation: p.ActivationCommand, phrases: phrases}
}

// Classify returns the intent of text. The activation command only counts
// while voice is off and must match exactly; afterwards it is ordinary
// input.
func (c *Classifier) Classify(text string, voiceEnabled bool) Intent {
	if !voiceEnabled && text == c.activation {
		return IntentActivateVoice
	}
	if c.IsAcknowledgment(text) {
		return IntentAcknowledge
	}
	return IntentConversation
}

// IsAcknowledgment reports whether text contains an acknowledgment phrase,
// ignoring case.
func (c *Classifier) IsAcknowledgment(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range c.phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
