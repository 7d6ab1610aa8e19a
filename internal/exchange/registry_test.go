package exchange

import "testing"

type stubProtocol struct{ Protocol }

func stubFactory(cfg Config) (Protocol, error) {
	return stubProtocol{}, nil
}

func TestRegistry_RegisterAndNew(t *testing.T) {
	Register("stub-venue", stubFactory)

	p, err := New("stub-venue", Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p == nil {
		t.Fatal("New returned nil protocol")
	}

	found := false
	for _, name := range Names() {
		if name == "stub-venue" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v, missing stub-venue", Names())
	}
}

func TestRegistry_UnknownExchange(t *testing.T) {
	if _, err := New("no-such-venue", Config{}); err == nil {
		t.Error("expected error for unregistered exchange")
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	Register("dup-venue", stubFactory)

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	Register("dup-venue", stubFactory)
}
