package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/gigledger/internal/pagination"
	"github.com/mbd888/gigledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	walletLocks *syncutil.KeyedMutex

	mu      sync.RWMutex
	wallets map[string]*Wallet
	owners  map[string]string // ownerType:ownerID -> wallet ID
	txs     map[string][]*Transaction
	refs    map[string]struct{} // walletID:reference
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		walletLocks: syncutil.NewKeyedMutex(),
		wallets:     make(map[string]*Wallet),
		owners:      make(map[string]string),
		txs:         make(map[string][]*Transaction),
		refs:        make(map[string]struct{}),
	}
}

func ownerKey(ownerType OwnerType, ownerID string) string {
	return string(ownerType) + ":" + ownerID
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) FindWallet(ctx context.Context, ownerType OwnerType, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	id, ok := m.owners[ownerKey(ownerType, ownerID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.GetWallet(ctx, id)
}

func (m *MemoryStore) CreateWallet(_ context.Context, w *Wallet) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey(w.OwnerType, w.OwnerID)
	if id, ok := m.owners[key]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.owners[key] = w.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, walletID string, amount int64, meta Meta) (*Transaction, error) {
	// The wallet lock makes check-then-write atomic per wallet; mu only
	// guards the maps, so different wallets proceed in parallel.
	unlock, err := m.walletLocks.Lock(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	refKey := walletID + ":" + meta.Reference
	m.mu.RLock()
	w, ok := m.wallets[walletID]
	var balance int64
	if ok {
		balance = w.Balance
	}
	_, dup := m.refs[refKey]
	m.mu.RUnlock()

	switch {
	case !ok:
		return nil, ErrWalletNotFound
	case meta.Reference != "" && dup:
		return nil, ErrDuplicateReference
	case balance+amount < 0:
		return nil, &InsufficientFundsError{WalletID: walletID, Balance: balance, Requested: -amount}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:           newTransactionID(),
		WalletID:     walletID,
		Type:         meta.Type,
		Amount:       amount,
		BalanceAfter: balance + amount,
		EscrowID:     meta.EscrowID,
		MilestoneID:  meta.MilestoneID,
		Reference:    meta.Reference,
		Description:  meta.Description,
		CreatedAt:    now,
	}

	m.mu.Lock()
	w.Balance = tx.BalanceAfter
	w.UpdatedAt = now
	m.txs[walletID] = append(m.txs[walletID], tx)
	if meta.Reference != "" {
		m.refs[refKey] = struct{}{}
	}
	m.mu.Unlock()

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.wallets[walletID]; !ok {
		return nil, ErrWalletNotFound
	}
	// Apply serializes per wallet, so insertion order is newest-last.
	all := m.txs[walletID]
	start := len(all) - 1
	if before != nil {
		start = -1
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].ID == before.ID {
				start = i - 1
				break
			}
			if before.Includes(all[i].CreatedAt, all[i].ID) {
				start = i
				break
			}
		}
	}
	out := make([]*Transaction, 0, min(limit, start+1))
	for i := start; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Sum returns the sum of transaction amounts for a wallet. Tests use it to
// check that balance equals the log.
func (m *MemoryStore) Sum(walletID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, tx := range m.txs[walletID] {
		total += tx.Amount
	}
	return total
}
