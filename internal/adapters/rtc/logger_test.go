package rtc

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPionLogsReachZerolog(t *testing.T) {
	var buf bytes.Buffer
	f := NewLoggerFactory(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l := f.NewLogger("ice")
	l.Warnf("%d candidates dropped", 3)
	l.Debug("too chatty")

	out := buf.String()
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, `"module":"pion"`)
	assert.Contains(t, out, "3 candidates dropped")
	assert.NotContains(t, out, "too chatty")
}
