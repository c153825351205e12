package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseAnswer(t *testing.T) {
	cases := map[string]int64{
		"2000":         200000000000,
		"1834.25":      183425000000,
		"0.000000019":  1,
		" 1.123456789": 112345678,
	}
	for input, want := range cases {
		got, err := ParseAnswer(input)
		if err != nil {
			t.Fatalf("%q: %v", input, err)
		}
		if got.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("%q: expected %d, got %s", input, want, got)
		}
	}
	for _, bad := range []string{"", "abc", "-1", "0", "0.000000001"} {
		if _, err := ParseAnswer(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if got := FormatAnswer(big.NewInt(183425000000)); got != "1834.25000000" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestManualFeedRounds(t *testing.T) {
	feed := NewManualFeed()
	ctx := context.Background()
	if _, err := feed.LatestRoundData(ctx); !errors.Is(err, ErrNoRound) {
		t.Fatalf("expected ErrNoRound, got %v", err)
	}
	now := time.Now().UTC()
	if err := feed.SetDecimal("2000", now); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := feed.SetDecimal("1800.5", now.Add(time.Minute)); err != nil {
		t.Fatalf("set: %v", err)
	}
	round, err := feed.LatestRoundData(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if round.RoundID != 2 || round.Answer.Cmp(big.NewInt(180050000000)) != 0 || !round.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected round %+v", round)
	}
	round.Answer.SetInt64(1)
	again, _ := feed.LatestRoundData(ctx)
	if again.Answer.Cmp(big.NewInt(180050000000)) != 0 {
		t.Fatalf("callers must not mutate stored answer")
	}
}

func TestCoinGeckoFeed(t *testing.T) {
	var hits atomic.Int32
	updated := time.Now().Add(-time.Minute).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Errorf("expected ids=ethereum, got %s", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("expected vs_currencies=usd, got %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]interface{}{
			"ethereum": {"usd": 2456.78, "last_updated_at": updated},
		})
	}))
	defer server.Close()

	feed := NewCoinGeckoFeed(server.Client(), server.URL, "Ethereum", time.Minute)
	round, err := feed.LatestRoundData(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if round.Answer.Cmp(big.NewInt(245678000000)) != 0 {
		t.Fatalf("unexpected answer %s", round.Answer)
	}
	if round.UpdatedAt.Unix() != updated {
		t.Fatalf("unexpected updated at %v", round.UpdatedAt)
	}
	if _, err := feed.LatestRoundData(context.Background()); err != nil {
		t.Fatalf("cached latest: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached round within interval, got %d requests", hits.Load())
	}
}

func TestCoinGeckoFeedErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()
	feed := NewCoinGeckoFeed(server.Client(), server.URL, "bitcoin", 0)
	if _, err := feed.LatestRoundData(context.Background()); err == nil {
		t.Fatalf("expected status error")
	}
	missing := NewCoinGeckoFeed(server.Client(), server.URL, "", 0)
	if _, err := missing.LatestRoundData(context.Background()); err == nil {
		t.Fatalf("expected asset id error")
	}
}
