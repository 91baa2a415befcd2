package signaling

import (
	"fmt"
	"net/url"
	"strings"
)

// roomEndpoint turns a server base URL (ws, wss, http, https or a bare host)
// into the socket endpoint of room, e.g. ws://host:8000/ws/<room>.
func roomEndpoint(base, room string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	appendPath(u, "ws", room)
	return u.String(), nil
}

// uploadEndpoint returns the HTTP endpoint recordings of room are posted to.
func uploadEndpoint(base, room string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	appendPath(u, "upload", room)
	return u.String(), nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL: %q", raw)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q in server URL", u.Scheme)
	}

	// A trailing /ws (as in a pasted socket URL) is part of the endpoint, not the base.
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// appendPath appends /<route>/<value> to u, escaping value as a single segment.
func appendPath(u *url.URL, route, value string) {
	rawPrefix := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + route + "/" + value
	u.RawPath = rawPrefix + "/" + route + "/" + url.PathEscape(value)
}
