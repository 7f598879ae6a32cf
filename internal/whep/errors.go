package whep

import "errors"

// Session-scoped failure classes. Errors returned by this package and by the
// session driver wrap exactly one of them; match with errors.Is.
var (
	ErrURL       = errors.New("invalid target url")
	ErrServer    = errors.New("signaling server error")
	ErrSDP       = errors.New("invalid session description")
	ErrTransport = errors.New("transport engine error")
	ErrNetwork   = errors.New("network error")
)

// Class returns the short name of the failure class wrapped by err, or
// "unknown" when err wraps none of them.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrURL):
		return "url"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrSDP):
		return "sdp"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "unknown"
	}
}
