package msrp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidURI is returned for paths that are not msrp:// or msrps:// URIs.
var ErrInvalidURI = errors.New("invalid msrp uri")

// uuidLen is the length of a textual call UUID.
const uuidLen = 36

// URI is a parsed MSRP URI: msrp[s]://host[:port]/session-id;transport.
type URI struct {
	Secure    bool
	Host      string
	Port      int
	SessionID string
	Transport string
}

// ParseURI parses the first URI of an MSRP path.
func ParseURI(s string) (URI, error) {
	s = firstURI(s)

	var u URI
	switch {
	case strings.HasPrefix(s, "msrps://"):
		u.Secure = true
		s = s[len("msrps://"):]
	case strings.HasPrefix(s, "msrp://"):
		s = s[len("msrp://"):]
	default:
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}

	authority, rest, ok := strings.Cut(s, "/")
	if !ok || authority == "" {
		return URI{}, fmt.Errorf("%w: missing session path", ErrInvalidURI)
	}
	// drop userinfo
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.Trim(authority, "[]")
		port = ""
	}
	if host == "" {
		return URI{}, fmt.Errorf("%w: empty host", ErrInvalidURI)
	}
	u.Host = host
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return URI{}, fmt.Errorf("%w: bad port %q", ErrInvalidURI, port)
		}
		u.Port = p
	}

	id, transport, _ := strings.Cut(rest, ";")
	if id == "" {
		return URI{}, fmt.Errorf("%w: empty session id", ErrInvalidURI)
	}
	u.SessionID = id
	u.Transport = strings.ToLower(transport)
	if u.Transport == "" {
		u.Transport = "tcp"
	}
	return u, nil
}

// Address returns host:port, using the default MSRP port when none was given.
func (u URI) Address() string {
	port := u.Port
	if port == 0 {
		port = 2855
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

func (u URI) String() string {
	scheme := "msrp"
	if u.Secure {
		scheme = "msrps"
	}
	host := u.Host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	authority := host
	if u.Port != 0 {
		authority = host + ":" + strconv.Itoa(u.Port)
	}
	transport := u.Transport
	if transport == "" {
		transport = "tcp"
	}
	return fmt.Sprintf("%s://%s/%s;%s", scheme, authority, u.SessionID, transport)
}

// FindUUID extracts the call UUID from a To-Path: the 36 characters following
// the third '/'.
func FindUUID(toPath string) (string, bool) {
	slashes := 0
	for i := 0; i < len(toPath); i++ {
		if toPath[i] != '/' {
			continue
		}
		slashes++
		if slashes == 3 {
			rest := toPath[i+1:]
			if len(rest) < uuidLen {
				return "", false
			}
			return rest[:uuidLen], true
		}
	}
	return "", false
}
