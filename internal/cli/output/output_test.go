package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMode(t *testing.T) {
	tests := []struct {
		in   string
		want OutputMode
	}{
		{"", ModeAuto},
		{"auto", ModeAuto},
		{"TEXT", ModeText},
		{"markdown", ModeMarkdown},
		{"md", ModeMarkdown},
		{"json", ModeJSON},
		{"yaml", ModeAuto},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Mode(tt.in))
		})
	}
}

func TestRenderer_EffectiveMode(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModeText, NewRendererWithTTY(&buf, &buf, true, ModeAuto).EffectiveMode())
	assert.Equal(t, ModeMarkdown, NewRendererWithTTY(&buf, &buf, false, ModeAuto).EffectiveMode())
	assert.Equal(t, ModeJSON, NewRendererWithTTY(&buf, &buf, true, ModeJSON).EffectiveMode())
	assert.False(t, NewRenderer(&buf, &buf, ModeAuto).IsTTY(), "buffers are never terminals")
}

func TestRenderer_MarkdownTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithTTY(&buf, &buf, false, ModeMarkdown)
	r.Header("Artifacts")
	r.Table([]string{"id", "status"}, [][]string{{"filled", "succeeded"}, {"stream_[TFA]", "failed"}})

	out := buf.String()
	assert.Contains(t, out, "## Artifacts")
	assert.Contains(t, out, "| filled | succeeded |")
	assert.Contains(t, out, "| stream_[TFA] | failed |")
}

func TestRenderer_TextTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithTTY(&buf, &buf, false, ModeText)
	r.Table([]string{"tfa", "ok"}, [][]string{{"100", "yes"}})
	out := buf.String()
	assert.Contains(t, out, "TFA")
	assert.Contains(t, out, "100")
	assert.Contains(t, out, "│")
}

func TestRenderer_KeyValueAndStatus(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithTTY(&buf, &buf, false, ModeMarkdown)
	r.KeyValue("Run", "abc")
	r.StatusLine("failed", "tfa 1000")
	assert.Equal(t, "- **Run:** abc\n- **failed** tfa 1000\n", buf.String())

	buf.Reset()
	r = NewRendererWithTTY(&buf, &buf, false, ModeText)
	r.StatusLine("succeeded", "tfa 100")
	assert.Equal(t, "succeeded  tfa 100\n", buf.String(), "no color without a terminal")
}

func TestRenderer_JSONLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithTTY(&buf, &buf, false, ModeJSON)
	require.NoError(t, r.JSONLine(RunEvent{Event: EventTaskDone, Task: "fill_pits", Status: "succeeded"}))
	line := strings.TrimSpace(buf.String())
	assert.NotContains(t, line, "\n")
	assert.Contains(t, line, `"event":"task_done"`)
	assert.Contains(t, line, `"task":"fill_pits"`)
	assert.NotContains(t, line, "tfa", "zero TFA is omitted for shared tasks")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "## Plan", FormatHeader("Plan", 2))
	assert.Equal(t, "# Plan", FormatHeader("Plan", 0))
	assert.Equal(t, "- **key:** value", FormatKeyValue("key", "value"))
}

func TestNewStyles_PlainHasNoEscapes(t *testing.T) {
	s := NewStyles(false)
	assert.Equal(t, "title", s.Header.Render("title"))
	assert.Equal(t, "failed", s.StatusFailed.Render("failed"))
}
