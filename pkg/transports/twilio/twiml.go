package twilio

import (
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// DefaultVoiceGreeting is spoken before the media stream opens.
const DefaultVoiceGreeting = "Connected. You may start speaking."

// buildStreamTwiml answers the voice webhook: optional greeting, then a media
// stream to wsURL.
func buildStreamTwiml(greeting, wsURL string) (string, error) {
	verbs := make([]twiml.Element, 0, 2)
	if g := strings.TrimSpace(greeting); g != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: g})
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{&twiml.VoiceStream{Url: wsURL}},
	})
	return twiml.Voice(verbs)
}
