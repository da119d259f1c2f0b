package redis

import (
	"context"
	"testing"
	"time"
)

func TestJoinCodesReserveAcrossHosts(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	hostA := NewJoinCodes(client, time.Hour)
	hostB := NewJoinCodes(client, time.Hour)

	if ok, err := hostA.Reserve(ctx, "123456", "s1"); err != nil || !ok {
		t.Fatalf("host A reserve: ok=%v err=%v", ok, err)
	}
	if ok, _ := hostB.Reserve(ctx, "123456", "s2"); ok {
		t.Fatalf("host B must not get a taken code")
	}
	if ok, _ := hostA.Reserve(ctx, "123456", "s1"); !ok {
		t.Fatalf("owner should be able to re-reserve")
	}
	if owner, ok, _ := hostB.Owner(ctx, "123456"); !ok || owner != "s1" {
		t.Fatalf("unexpected owner %q", owner)
	}
	if ttl := mr.TTL("quizlive:joincode:123456"); ttl != time.Hour {
		t.Fatalf("expected reservation ttl, got %v", ttl)
	}

	if err := hostA.Release(ctx, "123456"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := hostB.Reserve(ctx, "123456", "s2"); !ok {
		t.Fatalf("released code should be free")
	}
}
