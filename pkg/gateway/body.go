package gateway

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	maxBodyChars   = 1024
	largeBodyBytes = 2048
)

// BufferedBody wraps a request body whose first bytes have already been read.
// Reads replay the buffered prefix and then continue with the original body,
// so handlers further down see the request unchanged.
type BufferedBody struct {
	io.Reader
	orig   io.ReadCloser
	peeked []byte
}

// Peeked returns the buffered prefix of the body.
func (b *BufferedBody) Peeked() []byte {
	return b.peeked
}

func (b *BufferedBody) Close() error {
	return b.orig.Close()
}

// Buffer reads up to limit bytes of r.Body and replaces r.Body with a
// BufferedBody. Calling it again on the same request returns the existing
// buffer.
func Buffer(r *http.Request, limit int64) (*BufferedBody, error) {
	if b, ok := r.Body.(*BufferedBody); ok {
		return b, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		b := &BufferedBody{Reader: bytes.NewReader(nil), orig: http.NoBody}
		r.Body = b
		return b, nil
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, limit))
	b := &BufferedBody{
		Reader: io.MultiReader(bytes.NewReader(peeked), r.Body),
		orig:   r.Body,
		peeked: peeked,
	}
	r.Body = b
	if err != nil {
		return b, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return b, nil
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func isBinaryType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(contentType)
	}
	return strings.HasPrefix(mediaType, "multipart/") || mediaType == "application/octet-stream"
}

// summarizeBody describes the body of r for the audit log without consuming it.
func summarizeBody(r *http.Request) string {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && isBinaryType(contentType) {
		return "[BINARY_DATA]"
	}
	if r.ContentLength > largeBodyBytes {
		return fmt.Sprintf("[LARGE_BODY:%dbytes]", r.ContentLength)
	}

	b, err := Buffer(r, largeBodyBytes)
	if err != nil {
		return "[UNREADABLE]"
	}
	peeked := b.Peeked()
	if len(peeked) == 0 {
		return ""
	}
	if contentType == "" && isBinaryType(http.DetectContentType(peeked)) {
		return "[BINARY_DATA]"
	}

	return truncate(string(peeked), maxBodyChars)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "...[TRUNCATED]"
}

// describeRequest renders "METHOD path?query | Body: ..." for the audit log.
func describeRequest(r *http.Request) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		sb.WriteByte('?')
		sb.WriteString(r.URL.RawQuery)
	}
	if hasBody(r.Method) {
		if body := summarizeBody(r); body != "" {
			sb.WriteString(" | Body: ")
			sb.WriteString(body)
		}
	}
	return sb.String()
}
