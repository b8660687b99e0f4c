package flowmq

import (
	"log/slog"
	"testing"
)

func newTestSubscriptionManager() *SubscriptionManager {
	return newSubscriptionManager(nil, slog.Default())
}

func TestSubscriptionManagerAllocateAscending(t *testing.T) {
	m := newTestSubscriptionManager()
	first, err := m.allocate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.allocate()
	if err != nil {
		t.Fatal(err)
	}
	if first != minSubscriptionID || second != minSubscriptionID+1 {
		t.Fatalf("expected ascending ids from %d, got %d then %d", minSubscriptionID, first, second)
	}
}

func TestSubscriptionManagerReleaseReusesSmallestFirst(t *testing.T) {
	m := newTestSubscriptionManager()
	a, _ := m.allocate()
	b, _ := m.allocate()
	c, _ := m.allocate()

	m.release(b)
	m.release(a)

	reused, err := m.allocate()
	if err != nil {
		t.Fatal(err)
	}
	if reused != a {
		t.Fatalf("expected smallest freed id %d reused first, got %d", a, reused)
	}
	reused2, _ := m.allocate()
	if reused2 != b {
		t.Fatalf("expected next freed id %d reused second, got %d", b, reused2)
	}
	_ = c
}

func TestSubscriptionManagerCapacityExhausted(t *testing.T) {
	m := newTestSubscriptionManager()
	m.next = maxSubscriptionID // only one slot left
	if _, err := m.allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.allocate(); err == nil {
		t.Fatal("expected resource exhaustion once the id space is consumed")
	}
}

func TestSubscriptionManagerLookup(t *testing.T) {
	m := newTestSubscriptionManager()
	b := newBinding("a/b", BindingOptions{}, noopHandler)
	ib := &IdentifiedBinding{Binding: b, ID: 7}
	m.byID[7] = ib
	m.byTag["a/b"] = ib

	got, ok := m.Lookup(7)
	if !ok || got != ib {
		t.Fatalf("expected to find binding for id 7")
	}
	if _, ok := m.Lookup(8); ok {
		t.Fatal("expected no binding for unused id")
	}
}

func TestSubscriptionManagerResolveByFilterAndBinding(t *testing.T) {
	m := newTestSubscriptionManager()
	b := newBinding("a/b", BindingOptions{}, noopHandler)
	ib := &IdentifiedBinding{Binding: b, ID: 3}
	m.byID[3] = ib
	m.byTag["a/b"] = ib

	if got := m.resolve(ByFilter("a/b")); got != ib {
		t.Fatalf("expected resolve by filter to find the binding")
	}
	if got := m.resolve(ByID(3)); got != ib {
		t.Fatalf("expected resolve by id to find the binding")
	}
	if got := m.resolve(ByBinding(b)); got != ib {
		t.Fatalf("expected resolve by binding pointer to find the binding")
	}
	if got := m.resolve(ByFilter("unknown")); got != nil {
		t.Fatalf("expected nil for unknown filter, got %v", got)
	}
}
