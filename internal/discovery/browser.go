package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// EventKind classifies discovery events.
type EventKind int

const (
	// EventFound carries a newly resolved (or changed) host.
	EventFound EventKind = iota
	// EventTimedOut is terminal: nothing answered within the timeout.
	EventTimedOut
	// EventFailed is terminal: browsing could not start.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventTimedOut:
		return "timed_out"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one item of a discovery stream.
type Event struct {
	Kind    EventKind
	Service Descriptor
	Err     error
}

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Browser resolves advertised quiz hosts.
type Browser struct {
	service string
	domain  string
	browse  browseFunc
	clock   clockwork.Clock
}

func NewBrowser(service, domain string) *Browser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return &Browser{service: service, domain: domain, browse: zeroconfBrowse, clock: clockwork.NewRealClock()}
}

// Discover starts a fresh browse and streams resolved hosts, de-duplicated by
// service name. If nothing resolves within timeout the stream ends with an
// EventTimedOut; otherwise it runs until ctx is cancelled. Each call is
// independent, so callers retry by calling Discover again.
func (b *Browser) Discover(ctx context.Context, timeout time.Duration) <-chan Event {
	out := make(chan Event, 16)
	go b.run(ctx, timeout, out)
	return out
}

func (b *Browser) run(ctx context.Context, timeout time.Duration, out chan<- Event) {
	defer close(out)

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := b.browse(browseCtx, b.service, b.domain, entries); err != nil {
		log.Warn().Err(err).Str("service", b.service).Msg("browse failed")
		send(Event{Kind: EventFailed, Err: &StartError{Op: "browse", Err: err}})
		return
	}

	timer := b.clock.NewTimer(timeout)
	defer timer.Stop()
	timeoutC := timer.Chan()

	seen := make(map[string]Descriptor)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutC:
			if len(seen) == 0 {
				send(Event{Kind: EventTimedOut})
				return
			}
			timeoutC = nil
		case entry, ok := <-entries:
			if !ok {
				if len(seen) == 0 {
					send(Event{Kind: EventTimedOut})
				}
				return
			}
			desc, ok := descriptorFromEntry(entry)
			if !ok {
				continue
			}
			if prev, dup := seen[desc.Name]; dup && prev.equal(desc) {
				continue
			}
			seen[desc.Name] = desc
			if !send(Event{Kind: EventFound, Service: desc}) {
				return
			}
		}
	}
}

func descriptorFromEntry(entry *zeroconf.ServiceEntry) (Descriptor, bool) {
	if entry == nil || entry.Port == 0 {
		return Descriptor{}, false
	}
	host := ""
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return Descriptor{}, false
	}
	return Descriptor{
		Name:       entry.Instance,
		Scheme:     "ws",
		Host:       host,
		Port:       entry.Port,
		Path:       "/ws",
		Attributes: decodeText(entry.Text),
	}, true
}
