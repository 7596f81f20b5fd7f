// Package sanitize normalizes inbound requests before routing. The key
// property is idempotence: sanitizing an already-sanitized request changes
// nothing, so the pipeline can apply it defensively at any boundary.
package sanitize

import (
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/gantrygw/gantry/internal/core"
)

// shellMeta are characters with shell or injection significance that have no
// business in a URL path.
const shellMeta = ";|&$`<>'\"\\"

// Sanitizer normalizes paths, headers and string bodies.
type Sanitizer struct{}

// New returns a Sanitizer.
func New() *Sanitizer {
	return &Sanitizer{}
}

// Request normalizes req in place.
func (s *Sanitizer) Request(req *core.Request) {
	req.Path = s.Path(req.Path)
	req.Header = s.Header(req.Header)
	req.Body = s.Body(req.Body)
}

// Path returns the normalized form of p: percent-escapes decoded until
// stable, control and shell metacharacters stripped, dot-dot segments
// removed, duplicate slashes collapsed. Empty input normalizes to "/".
func (s *Sanitizer) Path(p string) string {
	// Decoding can reveal stripped characters and stripping can splice new
	// escapes together, so alternate both until neither changes the path.
	// Every effective pass shortens the string, which bounds the loop.
	for {
		next := stripUnsafe(decodeStable(p))
		if next == p {
			break
		}
		p = next
	}
	return normalizeSegments(p)
}

// decodeStable percent-decodes until the path stops changing. Invalid
// escape sequences are left alone.
func decodeStable(p string) string {
	for strings.Contains(p, "%") {
		decoded, err := url.PathUnescape(p)
		if err != nil || decoded == p {
			break
		}
		p = decoded
	}
	return p
}

func stripUnsafe(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(shellMeta, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeSegments removes ".." segments, collapses duplicate slashes, and
// forces a leading slash. A single trailing slash survives so prefix routes
// registered with one keep matching.
func normalizeSegments(p string) string {
	trailing := strings.HasSuffix(p, "/")
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, seg := range parts {
		if seg == "" || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	out := "/" + strings.Join(kept, "/")
	if trailing && out != "/" {
		out += "/"
	}
	return out
}

// Header rebuilds h with canonical keys and CR/LF stripped from values,
// closing off header-splitting input.
func (s *Sanitizer) Header(h http.Header) http.Header {
	clean := make(http.Header, len(h))
	for name, values := range h {
		for _, v := range values {
			clean.Add(name, stripCRLF(v))
		}
	}
	return clean
}

func stripCRLF(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", "")
}

// Body normalizes valid UTF-8 bodies to NFC. Binary payloads pass through
// untouched.
func (s *Sanitizer) Body(b []byte) []byte {
	if len(b) == 0 || !utf8.Valid(b) {
		return b
	}
	if norm.NFC.IsNormal(b) {
		return b
	}
	return norm.NFC.Bytes(b)
}
