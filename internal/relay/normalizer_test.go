package relay

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chunkedReader yields the input in fixed-size pieces so chunk boundaries
// can be forced anywhere, including mid-token.
type chunkedReader struct {
	data []byte
	size int
	pos  int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	end := c.pos + c.size
	if end > len(c.data) {
		end = len(c.data)
	}
	n := copy(p, c.data[c.pos:end])
	c.pos += n
	return n, nil
}

func runNormalizer(t *testing.T, kind Kind, upstream io.Reader) (string, *Normalizer) {
	t.Helper()
	n := NewNormalizer(kind, testLogger())
	var out strings.Builder
	err := n.Run(context.Background(), upstream, &out, nil)
	require.NoError(t, err)
	return out.String(), n
}

func TestExtractJSONObjects(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantObjs []string
		wantRest string
	}{
		{
			name:  "empty buffer",
			input: "",
		},
		{
			name:     "single complete object",
			input:    `{"a":1}`,
			wantObjs: []string{`{"a":1}`},
		},
		{
			name:     "two objects with separators",
			input:    `[{"a":1},{"b":2}]`,
			wantObjs: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:     "incomplete trailing object carried over",
			input:    `{"a":1},{"b":`,
			wantObjs: []string{`{"a":1}`},
			wantRest: `{"b":`,
		},
		{
			name:     "nested objects counted as one span",
			input:    `{"a":{"b":{"c":3}}}`,
			wantObjs: []string{`{"a":{"b":{"c":3}}}`},
		},
		{
			name:     "only an opening brace",
			input:    `{`,
			wantRest: `{`,
		},
		{
			name:  "only residue between objects",
			input: "]\n,  ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects, rest := extractJSONObjects([]byte(tt.input))
			var got []string
			for _, obj := range objects {
				got = append(got, string(obj))
			}
			assert.Equal(t, tt.wantObjs, got)
			assert.Equal(t, tt.wantRest, string(rest))
		})
	}
}

func TestNormalizerOpenAI(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		``,
		`data: {"choices":[{"delta":{}}]}`,
		``,
		`data: not-json-at-all`,
		``,
		`: comment line`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	out, n := runNormalizer(t, KindOpenAI, strings.NewReader(upstream))

	want := "data: {\"content\":\"Hello\"}\n\ndata: {\"content\":\" world\"}\n\n"
	assert.Equal(t, want, out)
	assert.Equal(t, "Hello world", n.Text())
	assert.Equal(t, 2, n.Fragments())
}

func TestNormalizerOpenAIEmptyStream(t *testing.T) {
	out, n := runNormalizer(t, KindOpenAI, strings.NewReader("data: [DONE]\n\n"))
	assert.Empty(t, out)
	assert.Empty(t, n.Text())
	assert.Zero(t, n.Fragments())
}

func TestNormalizerGemini(t *testing.T) {
	upstream := `[{"candidates":[{"content":{"parts":[{"text":"The answer"}]}}]},
{"candidates":[{"content":{"parts":[{"text":" is 42."}]}}]}]`

	out, n := runNormalizer(t, KindGemini, strings.NewReader(upstream))

	want := "data: {\"content\":\"The answer\"}\n\ndata: {\"content\":\" is 42.\"}\n\n"
	assert.Equal(t, want, out)
	assert.Equal(t, "The answer is 42.", n.Text())
}

// The gemini path must produce identical output regardless of where the
// transport splits the byte stream, down to one byte per read.
func TestNormalizerGeminiChunkBoundaryInvariance(t *testing.T) {
	upstream := `[{"candidates":[{"content":{"parts":[{"text":"alpha"}]}}]},
{"candidates":[{"content":{"parts":[{"text":"beta"},{"text":"gamma"}]}}]}]`

	reference, _ := runNormalizer(t, KindGemini, strings.NewReader(upstream))
	require.NotEmpty(t, reference)

	for _, size := range []int{1, 2, 3, 7, 16, 64, len(upstream)} {
		out, n := runNormalizer(t, KindGemini, &chunkedReader{data: []byte(upstream), size: size})
		assert.Equal(t, reference, out, "chunk size %d", size)
		assert.Equal(t, "alphabetagamma", n.Text(), "chunk size %d", size)
	}
}

func TestNormalizerGeminiSkipsEmptyAndMissingParts(t *testing.T) {
	upstream := `{"candidates":[{"content":{"parts":[{"text":""}]}}]}` +
		`{"candidates":[]}` +
		`{"promptFeedback":{"blockReason":"SAFETY"}}` +
		`{"candidates":[{"content":{"parts":[{"text":"kept"}]}}]}`

	out, n := runNormalizer(t, KindGemini, strings.NewReader(upstream))
	assert.Equal(t, "data: {\"content\":\"kept\"}\n\n", out)
	assert.Equal(t, "kept", n.Text())
	assert.Equal(t, 1, n.Fragments())
}

func TestNormalizerPassthrough(t *testing.T) {
	payload := "data: {\"content\":\"already canonical\"}\n\n"
	out, _ := runNormalizer(t, KindUnknown, strings.NewReader(payload))
	assert.Equal(t, payload, out)
}

// stallingReader never returns, simulating an upstream that opened the
// stream and went silent.
type stallingReader struct{}

func (stallingReader) Read([]byte) (int, error) {
	select {}
}

func TestStallReaderAbortsSilentUpstream(t *testing.T) {
	r := newStallReader(stallingReader{}, 20*time.Millisecond)

	buf := make([]byte, 16)
	_, err := r.Read(buf)
	assert.ErrorIs(t, err, ErrUpstreamStall)
}

// gatedReader blocks every Read until released, then yields its data once.
type gatedReader struct {
	release chan struct{}
	data    string
	done    bool
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.release
	if g.done {
		return 0, io.EOF
	}
	g.done = true
	return copy(p, g.data), nil
}

// After a stall abort the caller's buffer may already belong to someone
// else, so a late upstream read must never write into it. The late bytes
// surface on the next Read instead.
func TestStallReaderLateBytesDoNotTouchAbortedBuffer(t *testing.T) {
	upstream := &gatedReader{release: make(chan struct{}), data: "late-bytes"}
	r := newStallReader(upstream, 20*time.Millisecond)

	buf := bytes.Repeat([]byte{'A'}, 16)
	_, err := r.Read(buf)
	require.ErrorIs(t, err, ErrUpstreamStall)

	close(upstream.release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, bytes.Repeat([]byte{'A'}, 16), buf)

	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "late-bytes", string(buf[:n]))

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStallReaderPassesDataThrough(t *testing.T) {
	r := newStallReader(strings.NewReader("hello"), time.Second)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStallReaderDisabledWithZeroTimeout(t *testing.T) {
	r := newStallReader(strings.NewReader("hi"), 0)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}
