package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStylesPlainOnBuffers(t *testing.T) {
	buf := new(bytes.Buffer)
	styles := NewStyles(buf, false)

	// A buffer is not a terminal, so rendering must not emit escapes.
	assert.Equal(t, "done", styles.Success.Render("done"))
	assert.Equal(t, "failed", styles.Error.Render("failed"))
	assert.Equal(t, "title", styles.Title.Render("title"))
}

func TestStylesNoColorFlag(t *testing.T) {
	buf := new(bytes.Buffer)
	styles := NewStyles(buf, true)
	assert.Equal(t, "warn", styles.Warning.Render("warn"))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(new(bytes.Buffer)))
}
