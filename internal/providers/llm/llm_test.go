package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreeningPrompt(t *testing.T) {
	p := ScreeningPrompt(nil, "  hi, is this Sam?  ")
	assert.True(t, strings.HasPrefix(p, screeningPreamble))
	assert.True(t, strings.HasSuffix(p, "Caller said:\nhi, is this Sam?"))
	assert.NotContains(t, p, "Earlier in this call")

	p = ScreeningPrompt([]string{"hello", "I'm calling from the clinic"}, "about your appointment")
	assert.Contains(t, p, "- hello\n- I'm calling from the clinic\n")
}
