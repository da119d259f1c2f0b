// Package discovery advertises quiz hosts on the local network and resolves them for clients.
package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultService is the DNS-SD service type of quiz hosts.
	DefaultService = "_quizlive._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
)

// StartError reports that advertising or browsing could not be started. The
// caller keeps running and may retry or fall back to a join URL.
type StartError struct {
	Op  string
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("discovery %s failed: %v", e.Op, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

type registration interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Advertiser publishes one service record at a time.
type Advertiser struct {
	service  string
	domain   string
	register registerFunc

	mu      sync.Mutex
	current registration
	name    string
}

func NewAdvertiser(service, domain string) *Advertiser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return &Advertiser{service: service, domain: domain, register: zeroconfRegister}
}

// Advertise publishes name on port with attrs, replacing any previous record.
func (a *Advertiser) Advertise(name string, port int, attrs map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		a.current.Shutdown()
		a.current = nil
	}

	reg, err := a.register(name, a.service, a.domain, port, encodeText(attrs), nil)
	if err != nil {
		log.Warn().Err(err).Str("service", a.service).Str("name", name).Msg("advertise failed")
		return &StartError{Op: "advertise", Err: err}
	}
	a.current = reg
	a.name = name
	log.Info().
		Str("service", a.service).
		Str("name", name).
		Int("port", port).
		Str("join_code", attrs[AttrJoinCode]).
		Msg("session advertised")
	return nil
}

// Stop withdraws the current advertisement. It is safe to call repeatedly.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return
	}
	a.current.Shutdown()
	a.current = nil
	log.Info().Str("name", a.name).Msg("advertisement withdrawn")
}
