package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWithWriter(t *testing.T) {
	for _, tt := range []struct {
		level      string
		debugShown bool
		infoShown  bool
	}{
		{level: "debug", debugShown: true, infoShown: true},
		{level: "warn", debugShown: false, infoShown: false},
		{level: "nonsense", debugShown: false, infoShown: true},
		{level: "", debugShown: false, infoShown: true},
	} {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, Config{Level: tt.level}, "test", "v0.0.1")

			logger.Debug().Msg("debug line")
			logger.Info().Msg("info line")

			assert.Equal(t, tt.debugShown, bytes.Contains(buf.Bytes(), []byte("debug line")))
			assert.Equal(t, tt.infoShown, bytes.Contains(buf.Bytes(), []byte("info line")))

			if tt.infoShown {
				assert.Contains(t, buf.String(), `"env":"test"`)
				assert.Contains(t, buf.String(), `"version":"v0.0.1"`)
			}
		})
	}
}
