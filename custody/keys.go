package custody

import (
	"context"
	"sync"

	"github.com/machinefabric/shieldwire-go/prover"
)

// StaticKeys holds a spend key in memory behind a lock flag.
type StaticKeys struct {
	mu     sync.RWMutex
	key    prover.SpendKey
	locked bool
}

var _ Keys = (*StaticKeys)(nil)

// NewStaticKeys returns unlocked keys. An empty key leaves the wallet locked.
func NewStaticKeys(key prover.SpendKey) *StaticKeys {
	return &StaticKeys{key: key, locked: len(key) == 0}
}

func (k *StaticKeys) Lock() {
	k.mu.Lock()
	k.locked = true
	k.mu.Unlock()
}

// Unlock has no effect when no key was loaded.
func (k *StaticKeys) Unlock() {
	k.mu.Lock()
	k.locked = len(k.key) == 0
	k.mu.Unlock()
}

func (k *StaticKeys) LoggedIn(context.Context) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.locked, nil
}

func (k *StaticKeys) SpendKey(context.Context) (prover.SpendKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.locked {
		return nil, ErrNeedsLogin
	}
	return k.key, nil
}

// Deriver derives the address at an index from a viewing key.
type Deriver interface {
	Address(fvk prover.FullViewingKey, index uint32) prover.Address
}

// AddressIndex owns the first Limit addresses derived from a viewing key.
type AddressIndex struct {
	fvk     prover.FullViewingKey
	deriver Deriver

	once  sync.Once
	limit uint32
	index map[prover.Address]uint32
}

var _ AddressBook = (*AddressIndex)(nil)

func NewAddressIndex(fvk prover.FullViewingKey, deriver Deriver, limit uint32) *AddressIndex {
	return &AddressIndex{fvk: fvk, deriver: deriver, limit: limit}
}

func (a *AddressIndex) IndexByAddress(ctx context.Context, addr prover.Address) (uint32, bool, error) {
	a.once.Do(func() {
		a.index = make(map[prover.Address]uint32, a.limit)
		for i := uint32(0); i < a.limit; i++ {
			a.index[a.deriver.Address(a.fvk, i)] = i
		}
	})
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	idx, ok := a.index[addr]
	return idx, ok, nil
}
