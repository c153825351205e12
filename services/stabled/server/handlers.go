package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"nhbstable/crypto"
	"nhbstable/native/stable"
	"nhbstable/native/token"
	"nhbstable/services/stabled/app"
	"nhbstable/services/stabled/journal"
)

const maxBodyBytes = 1 << 20

type collateralLineJSON struct {
	Asset    string `json:"asset"`
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	ValueUsd string `json:"valueUsd"`
}

type positionJSON struct {
	Address       string               `json:"address"`
	Bech32        string               `json:"bech32"`
	Debt          string               `json:"debt"`
	CollateralUsd string               `json:"collateralUsd"`
	HealthFactor  string               `json:"healthFactor"`
	Liquidatable  bool                 `json:"liquidatable"`
	StableBalance string               `json:"stableBalance"`
	Collateral    []collateralLineJSON `json:"collateral"`
}

func positionFrom(view *app.PositionView) positionJSON {
	out := positionJSON{
		Address:       view.User.Hex(),
		Bech32:        crypto.MustBech32(view.User),
		Debt:          view.Debt.Dec(),
		CollateralUsd: view.CollateralUsd.Dec(),
		HealthFactor:  formatFactor(view.HealthFactor),
		Liquidatable:  view.Liquidatable,
		StableBalance: view.StableBalance.Dec(),
	}
	for _, line := range view.Collateral {
		out.Collateral = append(out.Collateral, collateralLineJSON{
			Asset:    line.Asset,
			Address:  line.Address.Hex(),
			Amount:   line.Amount.Dec(),
			ValueUsd: line.ValueUsd.Dec(),
		})
	}
	return out
}

// formatFactor renders the debt-free sentinel as "max".
func formatFactor(f *uint256.Int) string {
	if f == nil {
		return "0"
	}
	if f.Eq(stable.MaxHealthFactor) {
		return "max"
	}
	return f.Dec()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "invalid payload: "+err.Error())
		return false
	}
	return true
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}

func (s *Server) amountOrError(w http.ResponseWriter, field, raw string) (*uint256.Int, bool) {
	amount, err := parseAmount(field, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidAmount), err.Error())
		return nil, false
	}
	return amount, true
}

func (s *Server) respondPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.Position(r.Context(), principal(r).Address)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionFrom(view))
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	type assetJSON struct {
		Symbol    string `json:"symbol"`
		Name      string `json:"name,omitempty"`
		Address   string `json:"address"`
		Decimals  uint8  `json:"decimals"`
		Feed      string `json:"feed"`
		Price     string `json:"price,omitempty"`
		PriceUsd  string `json:"priceUsd,omitempty"`
		UpdatedAt string `json:"updatedAt,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	params := s.app.Parameters()
	market := s.app.Market()
	out := struct {
		Stable     map[string]string `json:"stable"`
		Custody    string            `json:"custody"`
		Paused     bool              `json:"paused"`
		Parameters map[string]string `json:"parameters"`
		Assets     []assetJSON       `json:"assets"`
	}{
		Stable:  map[string]string{"symbol": market.StableToken.Symbol, "address": s.app.StableAddress().Hex()},
		Custody: s.app.Custody().Hex(),
		Paused:  s.app.IsPaused("stable"),
		Parameters: map[string]string{
			"precision":               params.Precision.Dec(),
			"additionalFeedPrecision": params.AdditionalFeedPrecision.Dec(),
			"feedDecimals":            strconv.Itoa(int(params.FeedDecimals)),
			"liquidationThreshold":    strconv.FormatUint(params.LiquidationThreshold, 10),
			"liquidationBonus":        strconv.FormatUint(params.LiquidationBonus, 10),
			"liquidationPrecision":    strconv.FormatUint(params.LiquidationPrecision, 10),
			"minHealthFactor":         params.MinHealthFactor.Dec(),
		},
	}
	for _, quote := range s.app.Quotes(r.Context()) {
		entry := assetJSON{
			Symbol:   quote.Asset.Symbol,
			Name:     quote.Asset.Name,
			Address:  quote.Asset.Address.Hex(),
			Decimals: quote.Asset.Decimals,
			Feed:     string(quote.Asset.Feed),
		}
		if quote.Err != nil {
			entry.Error = quote.Err.Error()
		} else {
			entry.Price = quote.Answer
			entry.PriceUsd = quote.PriceUsd.Dec()
			entry.UpdatedAt = quote.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out.Assets = append(out.Assets, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), err.Error())
		return
	}
	view, err := s.app.Position(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionFrom(view))
}

type assetAmountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := s.amountOrError(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.app.DepositCollateral(r.Context(), principal(r).Address, req.Asset, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req assetAmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := s.amountOrError(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.app.RedeemCollateral(r.Context(), principal(r).Address, req.Asset, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := s.amountOrError(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.app.MintStable(r.Context(), principal(r).Address, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := s.amountOrError(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.app.BurnStable(r.Context(), principal(r).Address, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

type positionRequest struct {
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

func (s *Server) parsePositionRequest(w http.ResponseWriter, r *http.Request) (positionRequest, *uint256.Int, *uint256.Int, bool) {
	var req positionRequest
	if !decodeBody(w, r, &req) {
		return req, nil, nil, false
	}
	collateral, ok := s.amountOrError(w, "collateral", req.Collateral)
	if !ok {
		return req, nil, nil, false
	}
	debt, ok := s.amountOrError(w, "debt", req.Debt)
	if !ok {
		return req, nil, nil, false
	}
	return req, collateral, debt, true
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	req, collateral, debt, ok := s.parsePositionRequest(w, r)
	if !ok {
		return
	}
	if err := s.app.DepositCollateralAndMint(r.Context(), principal(r).Address, req.Asset, collateral, debt); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	req, collateral, debt, ok := s.parsePositionRequest(w, r)
	if !ok {
		return
	}
	if err := s.app.RedeemCollateralForStable(r.Context(), principal(r).Address, req.Asset, collateral, debt); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.respondPosition(w, r)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User  string `json:"user"`
		Asset string `json:"asset"`
		Debt  string `json:"debt"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := crypto.ParseAddress(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "user: "+err.Error())
		return
	}
	debt, ok := s.amountOrError(w, "debt", req.Debt)
	if !ok {
		return
	}
	result, err := s.app.Liquidate(r.Context(), principal(r).Address, user, req.Asset, debt)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user":           user.Hex(),
		"debtCovered":    result.DebtCovered.Dec(),
		"baseCollateral": result.BaseCollateral.Dec(),
		"bonus":          result.Bonus.Dec(),
		"seized":         result.Seized.Dec(),
		"startingFactor": formatFactor(result.StartingFactor),
		"endingFactor":   formatFactor(result.EndingFactor),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidAmount), err.Error())
		return
	}
	owner := principal(r).Address
	if err := s.app.Approve(r.Context(), owner, req.Token, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner.Hex(),
		"spender": s.app.Custody().Hex(),
		"token":   token.NormalizeSymbol(req.Token),
		"amount":  amount.Dec(),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := crypto.ParseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "to: "+err.Error())
		return
	}
	amount, ok := s.amountOrError(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.app.Faucet(r.Context(), to, req.Asset, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	balance, err := s.app.TokenBalance(req.Asset, to)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"to": to.Hex(), "balance": balance.Dec()})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset string `json:"asset"`
		Price string `json:"price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.SetPrice(req.Asset, req.Price); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": token.NormalizeSymbol(req.Asset), "price": strings.TrimSpace(req.Price)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused *bool `json:"paused"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "paused required")
		return
	}
	s.app.SetPaused(*req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func (s *Server) requireJournal(w http.ResponseWriter) bool {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_unavailable", "event journal not configured")
		return false
	}
	return true
}

func (s *Server) parseEventQuery(w http.ResponseWriter, r *http.Request) (journal.Query, bool) {
	query := r.URL.Query()
	q := journal.Query{Type: strings.TrimSpace(query.Get("type"))}
	if raw := strings.TrimSpace(query.Get("account")); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "account: "+err.Error())
			return q, false
		}
		q.Account = addr.Hex()
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "since must be RFC3339")
			return q, false
		}
		q.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, string(app.CodeInvalidRequest), "limit must be a non-negative integer")
			return q, false
		}
		q.Limit = limit
	}
	return q, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	q, ok := s.parseEventQuery(w, r)
	if !ok {
		return
	}
	records, err := s.journal.List(r.Context(), q)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	seq, head := s.journal.Head()
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "headSeq": seq, "headDigest": head})
}

func (s *Server) handleEventExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	q, ok := s.parseEventQuery(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="stable-events.parquet"`)
	n, err := s.journal.ExportParquet(r.Context(), w, q)
	if err != nil {
		// Headers and part of the body are already out; the client sees a
		// truncated file.
		s.logger.Error("event export failed", "rows", n, "error", err)
		return
	}
	s.logger.Info("events exported", "rows", n)
}

func (s *Server) handleEventVerify(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	result, err := s.journal.Verify(r.Context())
	if err != nil {
		if errors.Is(err, journal.ErrChainBroken) {
			writeError(w, http.StatusConflict, "journal_tampered", err.Error())
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": result.Entries, "headDigest": result.Head})
}
