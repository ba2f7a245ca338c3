package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.conns.release("1.2.3.4")
	if !lim.conns.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.streams.acquire("1.2.3.4") || !lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.streams.release("1.2.3.4")
	if !lim.streams.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.conns.acquire("1.2.3.4") || !lim.conns.acquire("2.3.4.5") {
		t.Fatalf("expected one conn per ip")
	}
	if !lim.streams.acquire("1.2.3.4") || !lim.streams.acquire("2.3.4.5") {
		t.Fatalf("expected one stream per ip")
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !lim.conns.acquire("1.2.3.4") {
			t.Fatalf("disabled cap refused acquire %d", i)
		}
	}
	lim.conns.release("1.2.3.4")
	if len(lim.conns.counts) != 0 {
		t.Fatalf("disabled cap should not track counts")
	}
}
