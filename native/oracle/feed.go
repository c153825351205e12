package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhbstable/native/stable"
)

// ErrNoRound is returned by a manual feed that has never been set.
var ErrNoRound = errors.New("oracle: no round recorded")

var answerScale = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(stable.FeedDecimals), nil))

// ParseAnswer converts a decimal USD price such as "1834.25" into an
// 8-decimal integer answer, truncating extra precision.
func ParseAnswer(decimal string) (*big.Int, error) {
	trimmed := strings.TrimSpace(decimal)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", decimal)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price must be positive")
	}
	scaled := new(big.Rat).Mul(rat, answerScale)
	answer := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price %q below feed precision", decimal)
	}
	return answer, nil
}

// FormatAnswer renders an 8-decimal answer as a decimal string.
func FormatAnswer(answer *big.Int) string {
	if answer == nil {
		return ""
	}
	return new(big.Rat).SetFrac(answer, answerScale.Num()).FloatString(stable.FeedDecimals)
}

// ManualFeed is an in-memory price feed used in tests and for operator
// overrides.
type ManualFeed struct {
	mu    sync.RWMutex
	round stable.RoundData
	set   bool
}

func NewManualFeed() *ManualFeed { return &ManualFeed{} }

// SetDecimal records a decimal USD price observed at ts.
func (m *ManualFeed) SetDecimal(price string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	answer, err := ParseAnswer(price)
	if err != nil {
		return err
	}
	m.SetAnswer(answer, ts)
	return nil
}

// SetAnswer records a raw 8-decimal answer. Non-positive answers are stored
// as given so faulty feeds can be simulated.
func (m *ManualFeed) SetAnswer(answer *big.Int, ts time.Time) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.round.RoundID + 1
	m.round = stable.RoundData{
		RoundID:         next,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: next,
	}
	m.set = true
}

func (m *ManualFeed) LatestRoundData(ctx context.Context) (stable.RoundData, error) {
	if m == nil {
		return stable.RoundData{}, fmt.Errorf("manual feed not configured")
	}
	if err := ctx.Err(); err != nil {
		return stable.RoundData{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return stable.RoundData{}, ErrNoRound
	}
	round := m.round
	round.Answer = new(big.Int).Set(m.round.Answer)
	return round, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoFeed reads the USD price of one asset from the CoinGecko simple
// price API. Results are reused for minInterval to stay within rate limits.
type CoinGeckoFeed struct {
	client      HTTPDoer
	endpoint    string
	assetID     string
	minInterval time.Duration
	now         func() time.Time

	mu        sync.Mutex
	round     stable.RoundData
	fetchedAt time.Time
}

// NewCoinGeckoFeed constructs a feed for the CoinGecko asset id (for example
// "ethereum"). When client is nil http.DefaultClient is used.
func NewCoinGeckoFeed(client HTTPDoer, endpoint, assetID string, minInterval time.Duration) *CoinGeckoFeed {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if minInterval < 0 {
		minInterval = 0
	}
	return &CoinGeckoFeed{
		client:      client,
		endpoint:    ep,
		assetID:     strings.ToLower(strings.TrimSpace(assetID)),
		minInterval: minInterval,
		now:         time.Now,
	}
}

func (o *CoinGeckoFeed) LatestRoundData(ctx context.Context) (stable.RoundData, error) {
	if o == nil {
		return stable.RoundData{}, fmt.Errorf("coingecko feed not configured")
	}
	if o.assetID == "" {
		return stable.RoundData{}, fmt.Errorf("coingecko feed: asset id required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.round.Answer != nil && o.minInterval > 0 && o.now().Sub(o.fetchedAt) < o.minInterval {
		return o.copyRound(), nil
	}
	answer, updated, err := o.fetch(ctx)
	if err != nil {
		return stable.RoundData{}, err
	}
	next := o.round.RoundID + 1
	o.round = stable.RoundData{RoundID: next, Answer: answer, StartedAt: updated, UpdatedAt: updated, AnsweredInRound: next}
	o.fetchedAt = o.now()
	return o.copyRound(), nil
}

func (o *CoinGeckoFeed) copyRound() stable.RoundData {
	round := o.round
	round.Answer = new(big.Int).Set(o.round.Answer)
	return round
}

func (o *CoinGeckoFeed) fetch(ctx context.Context) (*big.Int, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	values := url.Values{}
	values.Set("ids", o.assetID)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, time.Time{}, fmt.Errorf("coingecko feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("coingecko feed: decode: %w", err)
	}
	entry, ok := payload[o.assetID]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("coingecko feed: quote missing for %s", o.assetID)
	}
	price, ok := entry["usd"]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("coingecko feed: usd price missing for %s", o.assetID)
	}
	answer, err := ParseAnswer(price.String())
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("coingecko feed: %w", err)
	}
	updated := o.now()
	if raw, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(raw.String(), 10, 64); err == nil && parsed > 0 {
			updated = time.Unix(parsed, 0)
		}
	}
	return answer, updated, nil
}
