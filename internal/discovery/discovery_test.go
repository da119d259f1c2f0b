package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
)

type fakeRegistration struct {
	shutdowns *int
}

func (r fakeRegistration) Shutdown() { *r.shutdowns++ }

func TestAdvertiseReplacesPreviousRecord(t *testing.T) {
	shutdowns := 0
	var texts [][]string
	adv := NewAdvertiser("", "")
	adv.register = func(instance, service, domain string, port int, text []string, _ []net.Interface) (registration, error) {
		if service != DefaultService || domain != DefaultDomain {
			t.Fatalf("unexpected service %s.%s", service, domain)
		}
		texts = append(texts, text)
		return fakeRegistration{shutdowns: &shutdowns}, nil
	}

	attrs := map[string]string{AttrJoinCode: "ABC123", AttrToken: "tok", AttrTeacherName: "Ms. Frizzle"}
	if err := adv.Advertise("Room 4", 9000, attrs); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	attrs[AttrJoinCode] = "XYZ789"
	if err := adv.Advertise("Room 4", 9000, attrs); err != nil {
		t.Fatalf("re-advertise: %v", err)
	}
	if shutdowns != 1 {
		t.Fatalf("expected first record to be withdrawn once, got %d", shutdowns)
	}
	if got := strings.Join(texts[1], ","); got != "joinCode=XYZ789,teacherName=Ms. Frizzle,token=tok" {
		t.Fatalf("unexpected TXT record %q", got)
	}

	adv.Stop()
	adv.Stop()
	if shutdowns != 2 {
		t.Fatalf("expected stop to withdraw exactly once, got %d", shutdowns)
	}
}

func TestAdvertiseFailureIsStartError(t *testing.T) {
	adv := NewAdvertiser("", "")
	adv.register = func(string, string, string, int, []string, []net.Interface) (registration, error) {
		return nil, errors.New("no multicast interface")
	}
	err := adv.Advertise("Room 4", 9000, nil)
	var se *StartError
	if !errors.As(err, &se) || se.Op != "advertise" {
		t.Fatalf("expected StartError, got %v", err)
	}
}

func TestDiscoverDeduplicatesByName(t *testing.T) {
	b := NewBrowser("", "")
	b.browse = func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, code := range []string{"ABC123", "ABC123", "XYZ789"} {
				e := zeroconf.NewServiceEntry("Room 4", DefaultService, DefaultDomain)
				e.Port = 9000
				e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
				e.Text = []string{"joinCode=" + code, "token=tok"}
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := b.Discover(ctx, time.Minute)

	first := <-events
	if first.Kind != EventFound || first.Service.JoinCode() != "ABC123" || first.Service.Host != "192.168.1.20" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := <-events
	if second.Kind != EventFound || second.Service.JoinCode() != "XYZ789" {
		t.Fatalf("expected changed record to be re-emitted, got %+v", second)
	}
	if got := second.Service.URL(); got != "ws://192.168.1.20:9000/ws" {
		t.Fatalf("unexpected url %s", got)
	}

	cancel()
	for range events {
	}
}

func TestDiscoverTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBrowser("", "")
	b.clock = clock
	b.browse = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := b.Discover(ctx, 3*time.Second)

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer never armed: %v", err)
	}
	clock.Advance(3 * time.Second)

	ev, ok := <-events
	if !ok || ev.Kind != EventTimedOut {
		t.Fatalf("expected timed out event, got %+v (open=%v)", ev, ok)
	}
	if _, ok := <-events; ok {
		t.Fatalf("stream should close after timing out")
	}
}

func TestDiscoverReportsBrowseFailure(t *testing.T) {
	b := NewBrowser("", "")
	b.browse = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("socket: permission denied")
	}
	ev := <-b.Discover(context.Background(), time.Second)
	if ev.Kind != EventFailed || ev.Err == nil {
		t.Fatalf("expected failed event, got %+v", ev)
	}
}

func TestParseJoinURL(t *testing.T) {
	d, err := ParseJoinURL("ws://192.168.1.20:9000/ws?token=s3cret&code=ABC123")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Host != "192.168.1.20" || d.Port != 9000 || d.Token() != "s3cret" || d.JoinCode() != "ABC123" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if d.URL() != "ws://192.168.1.20:9000/ws" {
		t.Fatalf("unexpected url %s", d.URL())
	}

	round, err := ParseJoinURL(JoinURL("10.0.0.5", 8080, "tok", "654321"))
	if err != nil {
		t.Fatalf("parse generated url: %v", err)
	}
	if round.JoinCode() != "654321" || round.Port != 8080 {
		t.Fatalf("unexpected descriptor %+v", round)
	}

	for _, bad := range []string{
		"ftp://host:21/ws?token=x",
		"ws://:9000/ws?token=x",
		"ws://host:9000/ws",
		"ws://host:notaport/ws?token=x",
	} {
		if _, err := ParseJoinURL(bad); !errors.Is(err, ErrInvalidJoinURL) {
			t.Errorf("ParseJoinURL(%q) = %v, want ErrInvalidJoinURL", bad, err)
		}
	}
}
