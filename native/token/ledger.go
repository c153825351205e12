package token

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	nativecommon "nhbstable/native/common"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrDuplicateToken        = errors.New("token: token already registered")
	ErrSupplyOverflow        = errors.New("token: supply overflow")
)

// Metadata describes a token ledger.
type Metadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// Ledger is an in-memory ERC20-style balance sheet. Minting and burning are
// restricted to the owner.
type Ledger struct {
	mu         sync.RWMutex
	address    common.Address
	meta       Metadata
	owner      nativecommon.Ownable
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
	journal    *journal
}

// NormalizeSymbol folds a ticker to its canonical form: NFKC, trimmed and
// upper case, so full-width or composed input resolves to the same token.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(symbol)))
}

func newLedger(address common.Address, meta Metadata, owner common.Address, j *journal) *Ledger {
	meta.Symbol = NormalizeSymbol(meta.Symbol)
	return &Ledger{
		address:    address,
		meta:       meta,
		owner:      nativecommon.NewOwnable(owner),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
		journal:    j,
	}
}

// NewLedger returns a standalone ledger with its own snapshot journal.
func NewLedger(address common.Address, meta Metadata, owner common.Address) *Ledger {
	return newLedger(address, meta, owner, &journal{})
}

func (l *Ledger) Address() common.Address { return l.address }
func (l *Ledger) Metadata() Metadata      { return l.meta }
func (l *Ledger) Owner() common.Address   { return l.owner.Owner() }

func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(account)
}

func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceLocked(owner, spender)
}

func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.supply)
}

// Holders returns every account with a non-zero balance, sorted.
func (l *Ledger) Holders() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, 0, len(l.balances))
	for account := range l.balances {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: spender", ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowanceLocked(owner, spender, amount)
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

// TransferFrom spends spender's allowance over from's balance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance := l.allowanceLocked(from, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, requested %s", ErrInsufficientAllowance, spender.Hex(), allowance.Dec(), from.Hex(), amount.Dec())
	}
	if balance := l.balanceLocked(from); balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, requested %s", ErrInsufficientBalance, from.Hex(), balance.Dec(), l.meta.Symbol, amount.Dec())
	}
	if !allowance.Eq(maxAllowance) {
		l.setAllowanceLocked(from, spender, new(uint256.Int).Sub(allowance, amount))
	}
	return l.transferLocked(from, to, amount)
}

// Mint creates amount for to. Only the owner may mint.
func (l *Ledger) Mint(caller, to common.Address, amount *uint256.Int) error {
	if err := l.owner.RequireOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: mint recipient", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	l.setSupplyLocked(supply)
	l.setBalanceLocked(to, new(uint256.Int).Add(l.balanceLocked(to), amount))
	return nil
}

// Burn destroys amount from the owner's own balance.
func (l *Ledger) Burn(caller common.Address, amount *uint256.Int) error {
	if err := l.owner.RequireOwner(caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balanceLocked(caller)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: burn %s exceeds %s", ErrInsufficientBalance, amount.Dec(), balance.Dec())
	}
	l.setBalanceLocked(caller, new(uint256.Int).Sub(balance, amount))
	l.setSupplyLocked(new(uint256.Int).Sub(l.supply, amount))
	return nil
}

// Session binds the ledger to a caller for collaborators that act as one
// account, such as the stable engine's custody.
func (l *Ledger) Session(caller common.Address) *Session {
	return &Session{ledger: l, caller: caller}
}

// Snapshot, RevertToSnapshot and DiscardSnapshot operate on the ledger's
// journal, which may be shared with other ledgers of a Registry.
func (l *Ledger) Snapshot() int { return l.journal.snapshot() }

func (l *Ledger) RevertToSnapshot(id int) { runUndo(l.journal.revert(id)) }

func (l *Ledger) DiscardSnapshot(id int) { l.journal.discard(id) }

func runUndo(undo []func()) {
	for _, fn := range undo {
		fn()
	}
}

var maxAllowance = new(uint256.Int).SetAllOne()

func (l *Ledger) transferLocked(from, to common.Address, amount *uint256.Int) error {
	balance := l.balanceLocked(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, requested %s", ErrInsufficientBalance, from.Hex(), balance.Dec(), l.meta.Symbol, amount.Dec())
	}
	l.setBalanceLocked(from, new(uint256.Int).Sub(balance, amount))
	next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(to), amount)
	if overflow {
		return ErrSupplyOverflow
	}
	l.setBalanceLocked(to, next)
	return nil
}

func (l *Ledger) balanceLocked(account common.Address) *uint256.Int {
	if v, ok := l.balances[account]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if spenders, ok := l.allowances[owner]; ok {
		if v, ok := spenders[spender]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalanceLocked(account common.Address, value *uint256.Int) {
	prev := l.balanceLocked(account)
	l.journal.append(func() {
		l.mu.Lock()
		l.putBalance(account, prev)
		l.mu.Unlock()
	})
	l.putBalance(account, value)
}

func (l *Ledger) putBalance(account common.Address, value *uint256.Int) {
	if value == nil || value.IsZero() {
		delete(l.balances, account)
		return
	}
	l.balances[account] = value
}

func (l *Ledger) setAllowanceLocked(owner, spender common.Address, value *uint256.Int) {
	prev := l.allowanceLocked(owner, spender)
	l.journal.append(func() {
		l.mu.Lock()
		l.putAllowance(owner, spender, prev)
		l.mu.Unlock()
	})
	l.putAllowance(owner, spender, value)
}

func (l *Ledger) putAllowance(owner, spender common.Address, value *uint256.Int) {
	if value == nil || value.IsZero() {
		if spenders, ok := l.allowances[owner]; ok {
			delete(spenders, spender)
			if len(spenders) == 0 {
				delete(l.allowances, owner)
			}
		}
		return
	}
	spenders, ok := l.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*uint256.Int)
		l.allowances[owner] = spenders
	}
	spenders[spender] = new(uint256.Int).Set(value)
}

func (l *Ledger) setSupplyLocked(value *uint256.Int) {
	prev := new(uint256.Int).Set(l.supply)
	l.journal.append(func() {
		l.mu.Lock()
		l.supply = prev
		l.mu.Unlock()
	})
	l.supply = value
}

// Session is a caller-bound handle satisfying the stable engine's asset and
// stable token collaborator interfaces.
type Session struct {
	ledger *Ledger
	caller common.Address
}

func (s *Session) Caller() common.Address { return s.caller }
func (s *Session) Ledger() *Ledger        { return s.ledger }

// TransferFrom moves amount from from to to using the caller's allowance.
func (s *Session) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ledger.TransferFrom(s.caller, from, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

// Transfer pays amount out of the caller's balance.
func (s *Session) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ledger.Transfer(s.caller, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) Mint(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ledger.Mint(s.caller, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) Burn(ctx context.Context, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ledger.Burn(s.caller, amount)
}

// Registry groups ledgers that share one snapshot journal, so a failed
// engine call can roll back every token it touched.
type Registry struct {
	mu      sync.RWMutex
	journal *journal
	tokens  map[common.Address]*Ledger
	order   []common.Address
}

func NewRegistry() *Registry {
	return &Registry{journal: &journal{}, tokens: make(map[common.Address]*Ledger)}
}

// Register creates a ledger at address owned by owner.
func (r *Registry) Register(address common.Address, meta Metadata, owner common.Address) (*Ledger, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: token address", ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, address.Hex())
	}
	ledger := newLedger(address, meta, owner, r.journal)
	r.tokens[address] = ledger
	r.order = append(r.order, address)
	return ledger, nil
}

func (r *Registry) Ledger(address common.Address) (*Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ledger, ok := r.tokens[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, address.Hex())
	}
	return ledger, nil
}

// Ledgers returns the registered ledgers in registration order.
func (r *Registry) Ledgers() []*Ledger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Ledger, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.tokens[addr])
	}
	return out
}

func (r *Registry) Snapshot() int { return r.journal.snapshot() }

func (r *Registry) RevertToSnapshot(id int) { runUndo(r.journal.revert(id)) }

func (r *Registry) DiscardSnapshot(id int) { r.journal.discard(id) }
