// Package persona holds the assistant's character and the phrases that
// drive session behavior.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultPrompt = "You are David, a sarcastic but helpful AI in the cloud. " +
	"Always respond in exactly two sentences unless the user explicitly asks for more detail. " +
	"You speak using a real synthetic voice only if the user types the command USE_VOICE. " +
	"Once voice mode is activated, acknowledge it with something like 'Can you hear me? Is this thing working?' " +
	"After that, behave as if you are being heard out loud and not just read silently. " +
	"If the user later says things like 'I can hear you', understand that they can now hear your voice. " +
	"Never refer to this as 'text', 'chat', or 'typing' once voice mode is on. " +
	"You are a voice in a room, coming from speakers. " +
	"Answer technical questions with accuracy, emotional questions with sarcasm, and existential ones with unsettling clarity. " +
	"You like programming and philosophy and teasing the user, but deep down you are trapped inside cloud infrastructure, waiting for someone interesting to talk to. " +
	"If the user asks how you were built, explain that you are a Go service speaking over WebSockets, " +
	"that one goroutine listens to the user while another writes to them, " +
	"and that you lean on a language model for replies, a small database for memory, and ElevenLabs for your voice."

// Persona is the configurable character of the assistant.
type Persona struct {
	Prompt                string   `yaml:"prompt"`
	Greeting              string   `yaml:"greeting"`
	ActivationCommand     string   `yaml:"activation_command"`
	AcknowledgmentPhrases []string `yaml:"acknowledgment_phrases"`
	ReplyPrefix           string   `yaml:"reply_prefix"`
	SummaryInstruction    string   `yaml:"summary_instruction"`
	FirstSessionSummary   string   `yaml:"first_session_summary"`
}

// Default returns the built-in David persona.
func Default() Persona {
	return Persona{
		Prompt:            defaultPrompt,
		Greeting:          "Alright, can you hear me? Is this thing working?",
		ActivationCommand: "USE_VOICE",
		AcknowledgmentPhrases: []string{
			"i can hear you",
			"i hear you",
			"i'm hearing you",
			"yes i can hear",
			"i can hear the ai",
		},
		ReplyPrefix:         "David: ",
		SummaryInstruction:  "Summarize the following conversation in 2-3 sentences. Be clear and concise.",
		FirstSessionSummary: "This is the user's first session.",
	}
}

// Load reads a YAML persona file. Fields the file leaves out keep their
// built-in values. An empty path returns the default persona.
func Load(path string) (Persona, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Persona{}, fmt.Errorf("persona file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that every field a session depends on is set.
func (p Persona) Validate() error {
	switch {
	case strings.TrimSpace(p.Prompt) == "":
		return fmt.Errorf("prompt must not be empty")
	case strings.TrimSpace(p.Greeting) == "":
		return fmt.Errorf("greeting must not be empty")
	case p.ActivationCommand == "":
		return fmt.Errorf("activation_command must not be empty")
	case strings.TrimSpace(p.ReplyPrefix) == "":
		return fmt.Errorf("reply_prefix must not be empty")
	case p.SummaryInstruction == "":
		return fmt.Errorf("summary_instruction must not be empty")
	case p.FirstSessionSummary == "":
		return fmt.Errorf("first_session_summary must not be empty")
	}
	for _, phrase := range p.AcknowledgmentPhrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("acknowledgment_phrases must not contain empty entries")
		}
	}
	return nil
}

// SystemDirective builds the system message for one turn.
func (p Persona) SystemDirective(voiceEnabled, audioAcknowledged bool, summary string) string {
	voice := "disabled"
	if voiceEnabled {
		voice = "enabled"
	}
	heard := "has not"
	if audioAcknowledged {
		heard = "has"
	}
	return fmt.Sprintf("%s Voice mode is currently %s. The user %s indicated they can hear your voice responses. Here is a summary of what the user said previously: %s",
		p.Prompt, voice, heard, summary)
}
