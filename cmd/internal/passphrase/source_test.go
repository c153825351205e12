package passphrase

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestSource(env map[string]string, read func() ([]byte, bool, error)) *Source {
	s := NewSource("STABLECTL_PASS", "keystore passphrase")
	s.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.prompt = io.Discard
	s.readTerm = read
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	calls := 0
	s := newTestSource(map[string]string{"STABLECTL_PASS": "correct horse"}, func() ([]byte, bool, error) {
		calls++
		return nil, true, nil
	})
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "correct horse" {
			t.Fatalf("get: %q %v", got, err)
		}
	}
	if calls != 0 {
		t.Fatalf("terminal read %d times", calls)
	}
}

func TestSourceRejectsEmptyValues(t *testing.T) {
	s := newTestSource(map[string]string{"STABLECTL_PASS": "  "}, nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}

	s = newTestSource(nil, func() ([]byte, bool, error) { return []byte(" "), true, nil })
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected empty prompt error, got %v", err)
	}
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	s := newTestSource(nil, func() ([]byte, bool, error) { return []byte("typed"), true, nil })
	got, err := s.Get()
	if err != nil || got != "typed" {
		t.Fatalf("get: %q %v", got, err)
	}

	s = newTestSource(nil, func() ([]byte, bool, error) { return nil, false, nil })
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "STABLECTL_PASS") {
		t.Fatalf("expected non-interactive error, got %v", err)
	}

	boom := errors.New("tty gone")
	s = newTestSource(nil, func() ([]byte, bool, error) { return nil, true, boom })
	if _, err := s.Get(); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}
