package wsengine

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAcceptKey(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNewChallengeKey(t *testing.T) {
	a, err := NewChallengeKey()
	require.NoError(t, err)
	b, err := NewChallengeKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestBuildClientRequest(t *testing.T) {
	u, err := url.Parse("ws://example.com:9000/chat?room=1")
	require.NoError(t, err)

	raw := BuildClientRequest(u, &BasicAuth{Username: "user", Password: "pass"}, "dGhlIHNhbXBsZSBub25jZQ==")
	assert.True(t, bytes.HasPrefix(raw, []byte("GET /chat?room=1 HTTP/1.1\r\n")))
	assert.True(t, bytes.HasSuffix(raw, []byte("\r\n\r\n")))

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "example.com:9000", req.Host)
	assert.Equal(t, "websocket", req.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", req.Header.Get("Connection"))
	assert.Equal(t, "13", req.Header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", req.Header.Get("Sec-WebSocket-Key"))
	username, password, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "user", username)
	assert.Equal(t, "pass", password)

	u, err = url.Parse("ws://example.com")
	require.NoError(t, err)
	raw = BuildClientRequest(u, nil, "k")
	assert.True(t, bytes.HasPrefix(raw, []byte("GET / HTTP/1.1\r\n")))
	assert.NotContains(t, string(raw), "Authorization")
}

func TestValidateServerResponse(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	good := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"

	tests := []struct {
		name string
		resp string
		err  error
	}{
		{"valid", good, nil},
		{"case insensitive headers", strings.Replace(strings.Replace(good, "Upgrade: websocket", "upgrade: WebSocket", 1), "Connection: Upgrade", "connection: UPGRADE", 1), nil},
		{"wrong status", strings.Replace(good, "101 Switching Protocols", "200 OK", 1), ErrBadStatus},
		{"wrong connection", strings.Replace(good, "Connection: Upgrade", "Connection: keep-alive", 1), ErrBadConnection},
		{"wrong upgrade", strings.Replace(good, "Upgrade: websocket", "Upgrade: chat", 1), ErrBadUpgrade},
		{"wrong accept", strings.Replace(good, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", "AAAAAAAAAAAAAAAAAAAAAAAAAAA=", 1), ErrAcceptMismatch},
		{"garbage", "not http\r\n\r\n", ErrMalformedHandshake},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerResponse([]byte(tt.resp), key)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func upgradeRequest(path string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString("GET " + path + " HTTP/1.1\r\n")
	b.WriteString("Host: localhost\r\n")
	base := map[string]string{
		"Upgrade":               "websocket",
		"Connection":            "keep-alive, Upgrade",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version": "13",
	}
	for k, v := range headers {
		base[k] = v
	}
	for _, k := range []string{"Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Authorization"} {
		if v, ok := base[k]; ok && v != "" {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

func TestParseUpgradeRequest(t *testing.T) {
	policy := UpgradePolicy{URI: " /ws "}

	req, n, err := ParseUpgradeRequest([]byte(upgradeRequest("/ws", nil)), policy)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, len(upgradeRequest("/ws", nil)), n)
	assert.Equal(t, "/ws", req.Path)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", req.Key)
}

func TestParseUpgradeRequestRejects(t *testing.T) {
	auth := &BasicAuth{Username: "user", Password: "pass"}
	policy := UpgradePolicy{URI: "/ws", Auth: auth}
	authHeader := map[string]string{"Authorization": "Basic " + auth.Token()}

	with := func(extra map[string]string) map[string]string {
		h := map[string]string{}
		for k, v := range authHeader {
			h[k] = v
		}
		for k, v := range extra {
			h[k] = v
		}
		return h
	}

	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"chat upgrade", upgradeRequest("/ws", with(map[string]string{"Upgrade": "chat"})), ErrBadUpgrade},
		{"wrong path", upgradeRequest("/other", authHeader), ErrWrongPath},
		{"missing auth", upgradeRequest("/ws", nil), ErrUnauthorized},
		{"wrong auth", upgradeRequest("/ws", map[string]string{"Authorization": "Basic d3Jvbmc6d3Jvbmc="}), ErrUnauthorized},
		{"no connection upgrade", upgradeRequest("/ws", with(map[string]string{"Connection": "keep-alive"})), ErrBadConnection},
		{"old version", upgradeRequest("/ws", with(map[string]string{"Sec-WebSocket-Version": "8"})), ErrBadVersion},
		{"missing key", upgradeRequest("/ws", with(map[string]string{"Sec-WebSocket-Key": ""})), ErrMissingKey},
		{"post", strings.Replace(upgradeRequest("/ws", authHeader), "GET", "POST", 1), ErrBadRequestLine},
		{"http/1.0", strings.Replace(upgradeRequest("/ws", authHeader), "HTTP/1.1", "HTTP/1.0", 1), ErrBadRequestLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _, err := ParseUpgradeRequest([]byte(tt.raw), policy)
			assert.Nil(t, req)
			require.ErrorIs(t, err, tt.err)

			var herr *HandshakeError
			require.True(t, errors.As(err, &herr))
			assert.Equal(t, http.StatusForbidden, herr.Status)
		})
	}
}

func TestParseUpgradeRequestIncremental(t *testing.T) {
	raw := []byte(upgradeRequest("/", nil))
	policy := UpgradePolicy{URI: "/"}

	for i := 1; i < len(raw); i++ {
		req, n, err := ParseUpgradeRequest(raw[:i], policy)
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Nil(t, req)
		assert.Zero(t, n)
	}

	// a frame pipelined right behind the request is left in place
	frame, err := EncodeFrame(OpText, []byte("early"), true, RoleClient)
	require.NoError(t, err)
	req, n, err := ParseUpgradeRequest(append(append([]byte(nil), raw...), frame...), policy)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, len(raw), n)
}

func TestParseUpgradeRequestTooLarge(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", MaxHandshakeSize))
	_, _, err := ParseUpgradeRequest(raw, UpgradePolicy{})
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, herr.Status)
	assert.ErrorIs(t, err, ErrHandshakeTooLarge)
}

func TestBuildResponses(t *testing.T) {
	raw := BuildAcceptResponse("dGhlIHNhbXBsZSBub25jZQ==")
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	assert.NoError(t, ValidateServerResponse(raw, "dGhlIHNhbXBsZSBub25jZQ=="))

	raw = BuildRejectResponse(0)
	assert.True(t, bytes.HasPrefix(raw, []byte("HTTP/1.1 403 Forbidden\r\n")))
	raw = BuildRejectResponse(http.StatusRequestHeaderFieldsTooLarge)
	assert.True(t, bytes.HasPrefix(raw, []byte("HTTP/1.1 431 ")))
}

func TestSplitHandshake(t *testing.T) {
	head, rest, ok := SplitHandshake([]byte("HTTP/1.1 101 OK\r\n\r\nabc"))
	require.True(t, ok)
	assert.Equal(t, "HTTP/1.1 101 OK\r\n\r\n", string(head))
	assert.Equal(t, "abc", string(rest))

	_, _, ok = SplitHandshake([]byte("HTTP/1.1 101 OK\r\n"))
	assert.False(t, ok)
}
