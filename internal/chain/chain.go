// Package chain selects ordered hop lists and random exits from a peer
// keyring for locally-originated and random-hop traffic. Selection always
// uses a CSPRNG, following the same crypto/rand discipline the routing
// reference code uses for picking onion path indices.
package chain

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"mix-remailer/internal/pubring"
)

// PeerSource is the subset of pubring.Ring that chain selection needs,
// narrowed so this package can be tested against a fake.
type PeerSource interface {
	ByName(name string) (pubring.Peer, bool)
	RandomExit() (pubring.Peer, bool)
	ListHeaders() []string
}

// Selector picks hop chains from a peer source.
type Selector struct {
	peers PeerSource
}

func New(peers PeerSource) *Selector {
	return &Selector{peers: peers}
}

// ErrNoCandidates means there are not enough distinct peers to satisfy a
// chain request.
type ErrNoCandidates struct {
	Want int
	Have int
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("chain: need %d distinct hops, only %d peers available", e.Want, e.Have)
}

// Chain returns an ordered list of n distinct peers. prefix and suffix, if
// given, pin short-names at the start and end of the chain respectively; the
// remaining interior hops (and the exit, if suffix is empty) are chosen at
// random without repetition. The final hop must advertise CapabilityExit
// unless it was pinned explicitly by the caller via suffix.
func (s *Selector) Chain(n int, prefix, suffix []string) ([]pubring.Peer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chain: length must be positive, got %d", n)
	}

	chosen := make([]pubring.Peer, 0, n)
	seen := map[string]bool{}

	for _, name := range prefix {
		p, ok := s.peers.ByName(name)
		if !ok {
			return nil, fmt.Errorf("chain: unknown prefix hop %q", name)
		}
		if seen[p.ShortName] {
			return nil, fmt.Errorf("chain: prefix repeats hop %q", name)
		}
		seen[p.ShortName] = true
		chosen = append(chosen, p)
	}

	fixedSuffix := make([]pubring.Peer, 0, len(suffix))
	for _, name := range suffix {
		p, ok := s.peers.ByName(name)
		if !ok {
			return nil, fmt.Errorf("chain: unknown suffix hop %q", name)
		}
		if seen[p.ShortName] {
			return nil, fmt.Errorf("chain: suffix repeats hop %q", name)
		}
		seen[p.ShortName] = true
		fixedSuffix = append(fixedSuffix, p)
	}

	interiorWant := n - len(chosen) - len(fixedSuffix)
	if interiorWant < 0 {
		return nil, fmt.Errorf("chain: prefix+suffix already exceed requested length %d", n)
	}

	names := s.peers.ListHeaders()
	pool := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			pool = append(pool, name)
		}
	}

	// The random exit is drawn before the interior hops, so an interior draw
	// can never use up the only exit-capable peer.
	var exitHop []pubring.Peer
	if len(fixedSuffix) == 0 && interiorWant > 0 {
		idx, err := pickIndex(pool, s.peers, true)
		if err != nil {
			return nil, &ErrNoCandidates{Want: n, Have: len(chosen) + len(pool)}
		}
		p, _ := s.peers.ByName(pool[idx])
		exitHop = append(exitHop, p)
		seen[pool[idx]] = true
		pool = append(pool[:idx], pool[idx+1:]...)
		interiorWant--
	}

	for i := 0; i < interiorWant; i++ {
		idx, err := pickIndex(pool, s.peers, false)
		if err != nil {
			return nil, &ErrNoCandidates{Want: n, Have: len(chosen) + len(exitHop) + len(pool)}
		}
		name := pool[idx]
		p, _ := s.peers.ByName(name)
		chosen = append(chosen, p)
		seen[name] = true
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	chosen = append(chosen, exitHop...)
	chosen = append(chosen, fixedSuffix...)
	if len(chosen) != n {
		return nil, &ErrNoCandidates{Want: n, Have: len(chosen)}
	}
	return chosen, nil
}

// pickIndex chooses a random index from pool. If requireExit is set, it
// restricts the draw to peers advertising CapabilityExit.
func pickIndex(pool []string, peers PeerSource, requireExit bool) (int, error) {
	candidates := pool
	if requireExit {
		candidates = nil
		for _, name := range pool {
			p, ok := peers.ByName(name)
			if ok && p.HasCapability(pubring.CapabilityExit) {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) == 0 {
			return 0, fmt.Errorf("chain: no exit-capable peer available")
		}
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("chain: pool exhausted")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return 0, err
	}
	chosenName := candidates[n.Int64()]
	for i, name := range pool {
		if name == chosenName {
			return i, nil
		}
	}
	return 0, fmt.Errorf("chain: internal selection inconsistency")
}

// RandomExit returns any peer advertising the exit capability.
func (s *Selector) RandomExit() (pubring.Peer, error) {
	p, ok := s.peers.RandomExit()
	if !ok {
		return pubring.Peer{}, fmt.Errorf("chain: no exit-capable peer in ring")
	}
	return p, nil
}
