package oracle

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the authoritative set of addresses whose signatures count
// toward quorum, together with the quorum threshold itself. Membership and
// quorum are read on every submission so the registry is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	quorum  int
	members map[common.Address]struct{}
	ordered []common.Address
}

func NewRegistry(quorum int, reporters []common.Address) (*Registry, error) {
	if quorum <= 0 {
		return nil, ErrInvalidQuorum
	}
	r := &Registry{
		quorum:  quorum,
		members: make(map[common.Address]struct{}, len(reporters)),
	}
	for _, addr := range reporters {
		if err := r.add(addr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(addr)
}

func (r *Registry) add(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if _, exists := r.members[addr]; exists {
		return ErrDuplicateReporter
	}
	r.members[addr] = struct{}{}
	r.ordered = append(r.ordered, addr)
	return nil
}

// Remove deauthorizes addr for future submissions. Rounds accepted while
// addr was a member are not re-validated.
func (r *Registry) Remove(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[addr]; !exists {
		return ErrUnknownReporter
	}
	delete(r.members, addr)
	for i, a := range r.ordered {
		if a == addr {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// SetQuorum updates the threshold. It does not check the new quorum against
// the current member count; that is the administrator's responsibility.
func (r *Registry) SetQuorum(quorum int) error {
	if quorum <= 0 {
		return ErrInvalidQuorum
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quorum = quorum
	return nil
}

func (r *Registry) Quorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quorum
}

func (r *Registry) IsReporter(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.members[addr]
	return exists
}

// Reporters returns the member addresses in insertion order. Removed
// addresses are absent and the relative order of the remainder is
// preserved.
func (r *Registry) Reporters() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
