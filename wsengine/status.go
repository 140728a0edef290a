package wsengine

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Status is reported to the status sink whenever a connection attempt
// settles. The numeric values are stable and safe to persist.
type Status int

const (
	StatusActive          Status = 102
	StatusInactive        Status = 104
	StatusConnectFailed   Status = 201
	StatusMisconfigured   Status = 202
	StatusHandshakeFailed Status = 203
	StatusTLSFailed       Status = 204
	StatusProtocolError   Status = 205
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusConnectFailed:
		return "connect-failed"
	case StatusMisconfigured:
		return "misconfigured"
	case StatusHandshakeFailed:
		return "handshake-failed"
	case StatusTLSFailed:
		return "tls-failed"
	case StatusProtocolError:
		return "protocol-error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsError reports whether s describes a failure
func (s Status) IsError() bool {
	return s >= 200
}

// StatusSink receives status codes
type StatusSink interface {
	ReportStatus(Status)
}

// StatusFunc adapts a function to StatusSink
type StatusFunc func(Status)

func (f StatusFunc) ReportStatus(s Status) {
	f(s)
}

// LogStatusSink writes status changes to a logger
type LogStatusSink struct {
	Log zerolog.Logger
}

func (l LogStatusSink) ReportStatus(s Status) {
	ev := l.Log.Info()
	if s.IsError() {
		ev = l.Log.Warn()
	}
	ev.Int("code", int(s)).Str("status", s.String()).Msg("Status changed")
}
