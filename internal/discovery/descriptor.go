package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Attribute keys published in the service record.
const (
	AttrToken       = "token"
	AttrJoinCode    = "joinCode"
	AttrTeacherName = "teacherName"
	AttrFingerprint = "fp"
)

// ErrInvalidJoinURL is returned for manual/QR join links that cannot be used to connect.
var ErrInvalidJoinURL = errors.New("invalid join url")

// Descriptor is a resolved host that a client can connect to.
type Descriptor struct {
	Name       string            `json:"name"`
	Scheme     string            `json:"scheme"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Path       string            `json:"path"`
	Attributes map[string]string `json:"attributes"`
}

func (d Descriptor) Token() string       { return d.Attributes[AttrToken] }
func (d Descriptor) JoinCode() string    { return d.Attributes[AttrJoinCode] }
func (d Descriptor) TeacherName() string { return d.Attributes[AttrTeacherName] }

// URL returns the websocket endpoint of the host.
func (d Descriptor) URL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), Path: path}
	return u.String()
}

func (d Descriptor) equal(o Descriptor) bool {
	return d.Name == o.Name && d.Host == o.Host && d.Port == o.Port && maps.Equal(d.Attributes, o.Attributes)
}

// Fingerprint returns a short, display-safe digest of a session token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

// ParseJoinURL parses a manual or QR join link of the form
// scheme://host:port/ws?token=<token>[&code=<joinCode>] into a Descriptor.
func ParseJoinURL(raw string) (Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidJoinURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	defaultPort := 0
	switch scheme {
	case "ws", "http":
		scheme, defaultPort = "ws", 80
	case "wss", "https":
		scheme, defaultPort = "wss", 443
	default:
		return Descriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidJoinURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Descriptor{}, fmt.Errorf("%w: missing host", ErrInvalidJoinURL)
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Descriptor{}, fmt.Errorf("%w: bad port %q", ErrInvalidJoinURL, p)
		}
	}

	q := u.Query()
	token := q.Get("token")
	if token == "" {
		return Descriptor{}, fmt.Errorf("%w: missing token", ErrInvalidJoinURL)
	}
	attrs := map[string]string{
		AttrToken:       token,
		AttrFingerprint: Fingerprint(token),
	}
	if code := q.Get("code"); code != "" {
		attrs[AttrJoinCode] = code
	}
	if name := q.Get("teacher"); name != "" {
		attrs[AttrTeacherName] = name
	}

	path := u.Path
	if path == "" {
		path = "/ws"
	}
	return Descriptor{
		Name:       net.JoinHostPort(host, strconv.Itoa(port)),
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Path:       path,
		Attributes: attrs,
	}, nil
}

// JoinURL builds the manual/QR fallback link for a hosted session.
func JoinURL(host string, port int, token, joinCode string) string {
	q := url.Values{}
	q.Set("token", token)
	if joinCode != "" {
		q.Set("code", joinCode)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/ws",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func encodeText(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	// stable TXT order keeps re-advertisements byte-identical
	sort.Strings(keys)
	text := make([]string, 0, len(keys))
	for _, k := range keys {
		text = append(text, k+"="+attrs[k])
	}
	return text
}

func decodeText(text []string) map[string]string {
	attrs := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		attrs[k] = v
	}
	return attrs
}
