// Package ledger generates client references and tracks which exchange orders
// belong to which strategy.
package ledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

const (
	DefaultPrefix = "MARTIN"
	// MaxReferenceLen is the tightest client order id limit of the supported venues (Binance futures).
	MaxReferenceLen = 36
)

var refPattern = regexp.MustCompile(`^([A-Z0-9]+)_(LONG|SHORT|L|S)_([A-Z0-9\-]+)_(OPEN|ADD|PROFIT|CLOSE|O|A|P|C)(\d*)_(\d+)$`)

// compact tokens are used when the full reference would not fit MaxReferenceLen
var (
	shortRole = map[model.Role]string{
		model.RoleOpen:   "O",
		model.RoleAdd:    "A",
		model.RoleProfit: "P",
		model.RoleClose:  "C",
	}
	longRole = map[string]model.Role{
		"O": model.RoleOpen,
		"A": model.RoleAdd,
		"P": model.RoleProfit,
		"C": model.RoleClose,
	}
)

// Reference is a parsed client reference.
type Reference struct {
	Prefix    string
	Direction model.Direction
	Symbol    string
	Role      model.Role
	Level     int
	Seq       uint64
}

// StrategyKey is the key of the strategy that generated the reference.
func (r Reference) StrategyKey() string {
	return model.StrategyKey(r.Symbol, r.Direction)
}

// Ownership binds an exchange order id to the strategy that placed it.
type Ownership struct {
	OrderID     string
	StrategyKey string
	Role        model.Role
	Seq         uint64
}

// Ledger is shared by every worker of one account.
type Ledger struct {
	prefix    string
	accountID string
	seq       atomic.Uint64

	mu        sync.RWMutex
	byOrderID map[string]Ownership
	byKey     map[string]map[string]struct{}
}

func New(prefix, accountID string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{
		prefix:    strings.ToUpper(prefix),
		accountID: accountID,
		byOrderID: map[string]Ownership{},
		byKey:     map[string]map[string]struct{}{},
	}
}

func (l *Ledger) Prefix() string    { return l.prefix }
func (l *Ledger) AccountID() string { return l.accountID }

// GenerateReference returns a new unique reference, e.g. MARTIN_LONG_BTCUSDT_ADD3_0042.
// level is only embedded for ADD orders. References longer than MaxReferenceLen switch
// to the compact form MARTIN_L_1000PEPEUSDT_A3_123456.
func (l *Ledger) GenerateReference(symbol string, role model.Role, direction model.Direction, level int) string {
	seq := l.seq.Add(1)
	ref := l.format(symbol, string(role), direction.Upper(), role, level, seq)
	if len(ref) <= MaxReferenceLen {
		return ref
	}
	return l.format(symbol, shortRole[role], direction.Upper()[:1], role, level, seq)
}

func (l *Ledger) format(symbol, roleToken, dirToken string, role model.Role, level int, seq uint64) string {
	if role == model.RoleAdd && level > 0 {
		roleToken += strconv.Itoa(level)
	}
	return fmt.Sprintf("%s_%s_%s_%s_%04d", l.prefix, dirToken, strings.ToUpper(symbol), roleToken, seq)
}

// CheckSymbol fails when even compact references for symbol could exceed MaxReferenceLen
// with levels up to maxLevel and a sequence of up to seqDigits digits.
func (l *Ledger) CheckSymbol(symbol string, maxLevel, seqDigits int) error {
	if seqDigits < 4 {
		seqDigits = 4
	}
	// prefix_D_SYMBOL_A<level>_<seq>
	n := len(l.prefix) + 1 + 1 + 1 + len(symbol) + 1 + 1 + len(strconv.Itoa(maxLevel)) + 1 + seqDigits
	if n > MaxReferenceLen {
		return fmt.Errorf("client references for %s need %d characters, the limit is %d", symbol, n, MaxReferenceLen)
	}
	return nil
}

// Parse returns nil for references this process family did not generate.
func (l *Ledger) Parse(ref string) *Reference {
	m := refPattern.FindStringSubmatch(ref)
	if m == nil || m[1] != l.prefix {
		return nil
	}
	seq, err := strconv.ParseUint(m[6], 10, 64)
	if err != nil {
		return nil
	}
	level := 0
	if m[5] != "" {
		level, _ = strconv.Atoi(m[5])
	}
	dir := model.DirectionLong
	if m[2] == "SHORT" || m[2] == "S" {
		dir = model.DirectionShort
	}
	role := model.Role(m[4])
	if r, ok := longRole[m[4]]; ok {
		role = r
	}
	return &Reference{
		Prefix:    m[1],
		Direction: dir,
		Symbol:    m[3],
		Role:      role,
		Level:     level,
		Seq:       seq,
	}
}

// Observe raises the sequence above any sequence embedded in ref.
func (l *Ledger) Observe(ref string) {
	parsed := l.Parse(ref)
	if parsed == nil {
		return
	}
	for {
		cur := l.seq.Load()
		if parsed.Seq <= cur || l.seq.CompareAndSwap(cur, parsed.Seq) {
			return
		}
	}
}

// Sequence is the last issued or observed sequence.
func (l *Ledger) Sequence() uint64 {
	return l.seq.Load()
}

// ----- ownership -----

// Register binds orderID to strategyKey. Re-registering the same binding is a no-op;
// binding an id that already belongs to another strategy is an error.
func (l *Ledger) Register(orderID, strategyKey string, role model.Role, seq uint64) error {
	if orderID == "" {
		return fmt.Errorf("register %s %s: empty order id", strategyKey, role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.byOrderID[orderID]; ok && cur.StrategyKey != strategyKey {
		return fmt.Errorf("order %s already owned by %s", orderID, cur.StrategyKey)
	}
	l.byOrderID[orderID] = Ownership{OrderID: orderID, StrategyKey: strategyKey, Role: role, Seq: seq}
	set, ok := l.byKey[strategyKey]
	if !ok {
		set = map[string]struct{}{}
		l.byKey[strategyKey] = set
	}
	set[orderID] = struct{}{}

	logger.WithFields(map[string]interface{}{
		"order_id": orderID,
		"strategy": strategyKey,
		"role":     role,
	}).Debug("Order registered")
	return nil
}

// Unregister drops an order that left the active set. Unknown ids are ignored.
func (l *Ledger) Unregister(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.byOrderID[orderID]
	if !ok {
		return
	}
	delete(l.byOrderID, orderID)
	if set, ok := l.byKey[cur.StrategyKey]; ok {
		delete(set, orderID)
		if len(set) == 0 {
			delete(l.byKey, cur.StrategyKey)
		}
	}
}

func (l *Ledger) Lookup(orderID string) (Ownership, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.byOrderID[orderID]
	return o, ok
}

// Active returns the order ids currently owned by strategyKey.
func (l *Ledger) Active(strategyKey string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.byKey[strategyKey]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Classify derives the role from the order's own reference. Foreign orders yield "".
func (l *Ledger) Classify(order exchange.Order) model.Role {
	if ref := l.Parse(order.ClientRef); ref != nil {
		return ref.Role
	}
	return ""
}

// IsMine is true only for orders carrying this ledger's prefix on this ledger's account.
func (l *Ledger) IsMine(order exchange.Order) bool {
	if l.Parse(order.ClientRef) == nil {
		return false
	}
	return order.AccountID == l.accountID
}
