package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/softkeel/askrelay/internal/metrics"
)

const (
	// sseDataPrefix is the prefix for SSE data lines.
	sseDataPrefix = "data: "

	// sseDone is the OpenAI stream completion sentinel. It is absorbed,
	// never forwarded.
	sseDone = "[DONE]"

	// readBufferSize is the chunk size for upstream reads.
	readBufferSize = 4096

	// maxSSELineBytes bounds a single upstream SSE line.
	maxSSELineBytes = readBufferSize * 64
)

// bufferPool provides reusable read buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

// ErrUpstreamStall is returned when the upstream produces no bytes within
// the configured stall timeout.
var ErrUpstreamStall = errors.New("upstream stalled: no data within timeout")

// contentEvent is the canonical wire shape for one normalized fragment.
type contentEvent struct {
	Content string `json:"content"`
}

// openAIStreamChunk is the subset of OpenAI's SSE delta payload the
// normalizer needs.
type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// geminiStreamChunk is the subset of Gemini's streaming payload the
// normalizer needs. Every candidate and part is walked; missing arrays at
// any level simply yield no fragments.
type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Normalizer converts one provider-specific upstream byte stream into the
// canonical SSE content-delta protocol, accumulating the full text as
// fragments are discovered. It is request-scoped and not safe for reuse.
type Normalizer struct {
	kind     Kind
	logger   *slog.Logger
	accum    strings.Builder
	parseBuf []byte // gemini only: bytes not yet resolved into a complete object
	emitted  int
	start    time.Time
}

// NewNormalizer creates a normalizer for one streaming call.
func NewNormalizer(kind Kind, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		kind:   kind,
		logger: logger,
		start:  time.Now(),
	}
}

// Text returns the accumulated full response, trimmed of incidental
// whitespace. Valid after Run returns.
func (n *Normalizer) Text() string {
	return strings.TrimSpace(n.accum.String())
}

// Fragments returns the number of fragments emitted so far.
func (n *Normalizer) Fragments() int {
	return n.emitted
}

// Started reports whether anything has been written to the client yet.
// Until then a failure can still be answered with a clean HTTP error.
func (n *Normalizer) Started() bool {
	return n.emitted > 0 || n.accum.Len() > 0
}

// Run consumes the upstream body until exhaustion, writing normalized
// fragments to w and flushing after each one so client-perceived latency is
// bounded by upstream latency, not total response time. A non-nil error
// means the stream was truncated; the accumulated text must not be
// persisted in that case.
func (n *Normalizer) Run(ctx context.Context, upstream io.Reader, w io.Writer, flusher http.Flusher) error {
	switch n.kind {
	case KindOpenAI:
		return n.runOpenAI(ctx, upstream, w, flusher)
	case KindGemini:
		return n.runGemini(ctx, upstream, w, flusher)
	default:
		// Defensive default: assume the upstream already speaks the
		// canonical format and pass it through unmodified.
		return n.runPassthrough(ctx, upstream, w, flusher)
	}
}

// runOpenAI handles newline-delimited SSE lines prefixed "data: ".
func (n *Normalizer) runOpenAI(ctx context.Context, upstream io.Reader, w io.Writer, flusher http.Flusher) error {
	scanner := bufio.NewScanner(upstream)
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	scanner.Buffer(*buf, maxSSELineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
			continue
		}

		payload := bytes.TrimPrefix(line, []byte(sseDataPrefix))
		if bytes.Equal(payload, []byte(sseDone)) {
			continue
		}

		content, err := parseOpenAIPayload(payload)
		if err != nil {
			// Malformed lines are skipped, never fatal to the stream.
			metrics.RecordParseSkip(n.kind.String())
			n.logger.Debug("skipping unparseable openai chunk", "error", err)
			continue
		}
		if content != "" {
			if err := n.emit(w, flusher, content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read openai stream: %w", err)
	}
	return nil
}

// parseOpenAIPayload extracts choices[0].delta.content from one SSE payload.
func parseOpenAIPayload(payload []byte) (string, error) {
	var chunk openAIStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// runGemini handles Gemini's concatenated-JSON-object streaming format.
// Incoming bytes are appended to a carry-over buffer; complete top-level
// objects are extracted by brace matching and parsed individually, and the
// unresolved suffix is preserved verbatim for the next chunk.
func (n *Normalizer) runGemini(ctx context.Context, upstream io.Reader, w io.Writer, flusher http.Flusher) error {
	chunk := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(chunk)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		count, err := upstream.Read(*chunk)
		if count > 0 {
			n.parseBuf = append(n.parseBuf, (*chunk)[:count]...)

			objects, rest := extractJSONObjects(n.parseBuf)
			for _, obj := range objects {
				if emitErr := n.emitGeminiObject(w, flusher, obj); emitErr != nil {
					return emitErr
				}
			}
			// rest aliases parseBuf; copy-compact so resolved bytes are
			// discarded and the incomplete tail survives the next append.
			n.parseBuf = append(n.parseBuf[:0], rest...)
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read gemini stream: %w", err)
		}
	}
}

func (n *Normalizer) emitGeminiObject(w io.Writer, flusher http.Flusher, obj []byte) error {
	var chunk geminiStreamChunk
	if err := json.Unmarshal(obj, &chunk); err != nil {
		// A structurally balanced span that fails to parse is skipped;
		// extraction correctness outranks failing the whole stream.
		metrics.RecordParseSkip(n.kind.String())
		n.logger.Debug("skipping unparseable gemini object", "error", err)
		return nil
	}

	for _, candidate := range chunk.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			if err := n.emit(w, flusher, part.Text); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractJSONObjects scans buf for complete top-level JSON objects by
// tracking brace depth. It returns the balanced spans in discovery order
// and the unconsumed suffix: the bytes from the first unmatched '{' onward,
// or nil when nothing is pending. The returned slices alias buf.
func extractJSONObjects(buf []byte) (objects [][]byte, rest []byte) {
	start := 0
	for start < len(buf) {
		open := bytes.IndexByte(buf[start:], '{')
		if open < 0 {
			// Only inter-object residue (commas, brackets, whitespace)
			// remains; nothing to carry over.
			return objects, nil
		}
		open += start

		depth := 0
		end := -1
		for i := open; i < len(buf); i++ {
			switch buf[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			// Incomplete trailing object: preserve it verbatim.
			return objects, buf[open:]
		}

		objects = append(objects, buf[open:end+1])
		start = end + 1
	}
	return objects, nil
}

// runPassthrough forwards bytes unmodified while still accumulating.
func (n *Normalizer) runPassthrough(ctx context.Context, upstream io.Reader, w io.Writer, flusher http.Flusher) error {
	chunk := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(chunk)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		count, err := upstream.Read(*chunk)
		if count > 0 {
			n.accum.Write((*chunk)[:count])
			if _, werr := w.Write((*chunk)[:count]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// emit writes one canonical content-delta event and flushes it.
func (n *Normalizer) emit(w io.Writer, flusher http.Flusher, text string) error {
	data, err := json.Marshal(contentEvent{Content: text})
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s%s\n\n", sseDataPrefix, data); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}

	if n.emitted == 0 {
		metrics.RecordFirstFragment(n.kind.String(), time.Since(n.start))
	}
	n.emitted++
	n.accum.WriteString(text)
	metrics.RecordFragment(n.kind.String())
	return nil
}

// stallReader aborts a stream when no bytes arrive within the timeout.
// The transport layer only bounds connection setup and response headers;
// this closes the gap for a provider that opens the stream and goes silent.
//
// The background read always lands in a goroutine-private buffer, never in
// the caller's. After a stall the caller's buffer may be pooled and handed
// to another request, so a late upstream read must not be able to touch it;
// late bytes are held in leftover and served on the next call instead.
type stallReader struct {
	r       io.Reader
	timeout time.Duration
	resCh   chan stallReadResult
	pending bool

	leftover   []byte
	pendingErr error
}

type stallReadResult struct {
	data []byte
	err  error
}

// newStallReader wraps r. A non-positive timeout disables the guard.
func newStallReader(r io.Reader, timeout time.Duration) *stallReader {
	return &stallReader{
		r:       r,
		timeout: timeout,
		resCh:   make(chan stallReadResult, 1),
	}
}

func (s *stallReader) Read(p []byte) (int, error) {
	if s.timeout <= 0 {
		return s.r.Read(p)
	}

	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	if s.pendingErr != nil {
		err := s.pendingErr
		s.pendingErr = nil
		return 0, err
	}

	if !s.pending {
		s.pending = true
		size := len(p)
		go func() {
			buf := make([]byte, size)
			n, err := s.r.Read(buf)
			s.resCh <- stallReadResult{data: buf[:n], err: err}
		}()
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-s.resCh:
		s.pending = false
		n := copy(p, res.data)
		if n < len(res.data) {
			s.leftover = res.data[n:]
			s.pendingErr = res.err
			return n, nil
		}
		return n, res.err
	case <-timer.C:
		return 0, ErrUpstreamStall
	}
}
