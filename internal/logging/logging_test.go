package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("debug", zerolog.InfoLevel))
	require.Equal(t, zerolog.WarnLevel, ParseLevel(" warning ", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("bogus", zerolog.InfoLevel))
}

func TestJSONFormatWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewWithWriter(Config{Level: "info", Format: "json"}, &buf), "sender")
	l.Debug().Msg("hidden")
	l.Info().Str("account", "a1").Msg("sent")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "sender", rec["component"])
	require.Equal(t, "a1", rec["account"])
	require.Equal(t, "sent", rec["message"])
}

func TestWhatsAppFloor(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)
	wl := WhatsApp(l, "Client", "warn")
	wl.Infof("noise %d", 1)
	require.Zero(t, buf.Len())
	wl.Warnf("stream %s", "replaced")
	require.Contains(t, buf.String(), "stream replaced")
}
