package wsengine

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// WebSocketGUID is appended to the client key before hashing (RFC 6455 section 1.3)
	WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// MaxHandshakeSize bounds an unterminated upgrade request or response
	MaxHandshakeSize = 8192

	// RFC 6455 section 4.1 requires a 16-byte nonce
	challengeKeyLen = 16
	serverBanner    = "wsengine"
)

var headerTerminator = []byte("\r\n\r\n")

// Handshake errors
var (
	ErrHandshakeTooLarge  = errors.New("websocket: handshake exceeds maximum size")
	ErrBadRequestLine     = errors.New("websocket: request is not GET <path> HTTP/1.1")
	ErrWrongPath          = errors.New("websocket: requested path does not match upgrade URI")
	ErrUnauthorized       = errors.New("websocket: missing or wrong basic authorization")
	ErrBadConnection      = errors.New("websocket: missing or bad Connection header")
	ErrBadUpgrade         = errors.New("websocket: missing or bad Upgrade header")
	ErrBadVersion         = errors.New("websocket: unsupported Sec-WebSocket-Version")
	ErrMissingKey         = errors.New("websocket: missing Sec-WebSocket-Key header")
	ErrBadStatus          = errors.New("websocket: handshake status is not 101")
	ErrAcceptMismatch     = errors.New("websocket: Sec-WebSocket-Accept mismatch")
	ErrHandshakeTimeout   = errors.New("websocket: timeout waiting for handshake response")
	ErrMalformedHandshake = errors.New("websocket: malformed handshake")
)

// HandshakeError carries the HTTP status used when rejecting a handshake
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%d): %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// BasicAuth holds credentials for the Authorization: Basic header
type BasicAuth struct {
	Username string
	Password string
}

// Token returns base64(username:password)
func (a *BasicAuth) Token() string {
	return base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
}

// ComputeAcceptKey returns base64(SHA-1(key + GUID))
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewChallengeKey returns a fresh base64 Sec-WebSocket-Key
func NewChallengeKey() (string, error) {
	b := make([]byte, challengeKeyLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// SplitHandshake looks for the blank line ending an HTTP head.
// It returns the head including the terminator and whatever follows it.
func SplitHandshake(buf []byte) (head, rest []byte, ok bool) {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return nil, nil, false
	}
	end := i + len(headerTerminator)
	return buf[:end], buf[end:], true
}

// requestPath returns the path used on the request line, defaulting to "/"
func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// BuildClientRequest renders the HTTP/1.1 upgrade request sent by the client
func BuildClientRequest(u *url.URL, auth *BasicAuth, key string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", requestPath(u))
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	if auth != nil {
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", auth.Token())
	}
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// ValidateServerResponse checks a complete upgrade response against the key
// that was sent. head must include the terminating blank line.
func ValidateServerResponse(head []byte, key string) error {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{Status: resp.StatusCode, Err: ErrBadStatus}
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Connection")), "upgrade") {
		return &HandshakeError{Status: resp.StatusCode, Err: ErrBadConnection}
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Upgrade")), "websocket") {
		return &HandshakeError{Status: resp.StatusCode, Err: ErrBadUpgrade}
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return &HandshakeError{Status: resp.StatusCode, Err: ErrAcceptMismatch}
	}
	return nil
}

// UpgradeRequest is a validated client upgrade request
type UpgradeRequest struct {
	Path    string
	Key     string
	Header  http.Header
	Version string
}

// UpgradePolicy is what the server checks an upgrade request against
type UpgradePolicy struct {
	URI  string
	Auth *BasicAuth
}

// ParseUpgradeRequest parses the upgrade request at the head of buf.
// It returns (nil, 0, nil) while the request is still incomplete, the
// validated request and the number of bytes consumed on success, or a
// *HandshakeError once the request is complete but unacceptable.
func ParseUpgradeRequest(buf []byte, policy UpgradePolicy) (*UpgradeRequest, int, error) {
	if line := bytes.IndexByte(buf, '\n'); line >= 0 {
		if !isUpgradeRequestLine(buf[:line+1]) {
			return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrBadRequestLine}
		}
	} else if len(buf) >= 4 && !bytes.HasPrefix(buf, []byte("GET ")) {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrBadRequestLine}
	}

	head, _, ok := SplitHandshake(buf)
	if !ok {
		if len(buf) > MaxHandshakeSize {
			return nil, 0, &HandshakeError{Status: http.StatusRequestHeaderFieldsTooLarge, Err: ErrHandshakeTooLarge}
		}
		return nil, 0, nil
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: fmt.Errorf("%w: %v", ErrMalformedHandshake, err)}
	}

	path := strings.TrimSpace(req.URL.Path)
	if path == "" {
		path = "/"
	}
	want := strings.TrimSpace(policy.URI)
	if want == "" {
		want = "/"
	}
	if path != want {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrWrongPath}
	}

	if policy.Auth != nil {
		got, found := strings.CutPrefix(req.Header.Get("Authorization"), "Basic ")
		if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(policy.Auth.Token())) != 1 {
			return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrUnauthorized}
		}
	}

	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrBadConnection}
	}
	if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket") {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrBadUpgrade}
	}
	version := req.Header.Get("Sec-WebSocket-Version")
	if !strings.Contains(version, "13") {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrBadVersion}
	}
	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, 0, &HandshakeError{Status: http.StatusForbidden, Err: ErrMissingKey}
	}

	return &UpgradeRequest{
		Path:    path,
		Key:     key,
		Header:  req.Header,
		Version: version,
	}, len(head), nil
}

// isUpgradeRequestLine matches "GET <path> HTTP/1.1\r\n"
func isUpgradeRequestLine(line []byte) bool {
	s := strings.TrimRight(string(line), "\r\n")
	rest, ok := strings.CutPrefix(s, "GET ")
	if !ok {
		return false
	}
	return strings.HasSuffix(rest, " HTTP/1.1")
}

// headerContainsToken reports whether a comma separated header holds token
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// BuildAcceptResponse renders the 101 response for a validated request key
func BuildAcceptResponse(key string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", ComputeAcceptKey(key))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", serverBanner)
	b.WriteString("\r\n")
	return b.Bytes()
}

// BuildRejectResponse renders a bodyless error response, 403 unless status says otherwise
func BuildRejectResponse(status int) []byte {
	if status == 0 {
		status = http.StatusForbidden
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Length: 0\r\n")
	fmt.Fprintf(&b, "Server: %s\r\n", serverBanner)
	b.WriteString("\r\n")
	return b.Bytes()
}
