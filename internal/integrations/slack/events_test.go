package slack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_URLVerification(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"token":"t","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","type":"url_verification"}`))
	require.NoError(t, err)
	require.Equal(t, EnvelopeURLVerification, env.Type)
	require.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", env.Challenge)
	require.Nil(t, env.Event)
}

func TestParseEnvelope_ThreadReply(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"type": "event_callback",
		"event_id": "Ev123",
		"event": {
			"type": "message",
			"user": "U1",
			"text": "Hi, I'm taking over",
			"channel": "C1",
			"ts": "1712345690.000200",
			"thread_ts": "1712345678.000100"
		}
	}`))
	require.NoError(t, err)
	require.Equal(t, "Ev123", env.EventID)
	require.NotNil(t, env.Event)
	require.Equal(t, "Ev123", env.Event.EventID)
	require.Equal(t, "Hi, I'm taking over", env.Event.Text)
	require.Equal(t, "C1", env.Event.Channel)
	require.Equal(t, "1712345678.000100", env.Event.ThreadHandle)
	require.False(t, env.Event.SenderIsSelf)
	require.True(t, env.Event.IsThreadReply())
}

func TestParseEnvelope_SelfAndNonThreadEvents(t *testing.T) {
	cases := map[string]string{
		"bot id":      `{"type":"event_callback","event":{"type":"message","bot_id":"B1","text":"x","thread_ts":"1.0"}}`,
		"bot subtype": `{"type":"event_callback","event":{"type":"message","subtype":"bot_message","text":"x","thread_ts":"1.0"}}`,
		"edited":      `{"type":"event_callback","event":{"type":"message","subtype":"message_changed","thread_ts":"1.0"}}`,
		"top level":   `{"type":"event_callback","event":{"type":"message","user":"U1","text":"x"}}`,
		"reaction":    `{"type":"event_callback","event":{"type":"reaction_added","user":"U1"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(body))
			require.NoError(t, err)
			require.NotNil(t, env.Event)
			require.False(t, env.Event.IsThreadReply())
		})
	}
}

func TestParseEnvelope_Invalid(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not-json`))
	require.Error(t, err)
	_, err = ParseEnvelope([]byte(`{}`))
	require.Error(t, err)
}
