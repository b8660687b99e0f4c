package flowmq

import "testing"

func TestNewGeneratesClientIDWhenNotSet(t *testing.T) {
	f := New("tcp://localhost:1883")
	if f.clientID == "" {
		t.Fatal("expected an auto-generated client id")
	}
}

func TestNewHonorsExplicitClientID(t *testing.T) {
	f := New("tcp://localhost:1883", WithFacadeClientID("fixed-id"))
	if f.clientID != "fixed-id" {
		t.Fatalf("expected clientID 'fixed-id', got %q", f.clientID)
	}
}

func TestNewEmbedsARouterUsableBeforeConnect(t *testing.T) {
	f := New("tcp://localhost:1883")
	if _, err := f.Register("a/b", noopHandler); err != nil {
		t.Fatalf("unexpected error registering before connect: %v", err)
	}
	if len(f.Bindings()) != 1 {
		t.Fatalf("expected 1 binding registered on the façade's router, got %d", len(f.Bindings()))
	}
}

func TestNewDefaultCleanStartIsFirstOnly(t *testing.T) {
	f := New("tcp://localhost:1883")
	if f.cleanStart != CleanStartFirstOnly {
		t.Fatalf("expected default clean start mode to be CleanStartFirstOnly, got %v", f.cleanStart)
	}
}

func TestWithCleanStartModeOverride(t *testing.T) {
	f := New("tcp://localhost:1883", WithCleanStartMode(CleanStartFirstOnly))
	if f.cleanStart != CleanStartFirstOnly {
		t.Fatalf("expected CleanStartFirstOnly, got %v", f.cleanStart)
	}
}

func TestSubscribeBeforeConnectFails(t *testing.T) {
	f := New("tcp://localhost:1883")
	if _, err := f.Subscribe(noopHandler, "a/b"); err == nil {
		t.Fatal("expected Subscribe before Connect to fail since there is no live Subscription Manager yet")
	}
}

func TestUnsubscribeBeforeConnectFails(t *testing.T) {
	f := New("tcp://localhost:1883")
	if err := f.Unsubscribe(ByFilter("a/b"), nil); err == nil {
		t.Fatal("expected Unsubscribe before Connect to fail since there is no live Subscription Manager yet")
	}
}
