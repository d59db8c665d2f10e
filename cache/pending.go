package cache

import "context"

// Pending tracks the settlement of one PutImage / PutVolume call.
//
// Publishing the outcome happens-before close(done), so reads after Done
// observe the final values.
type Pending struct {
	key  string
	tier Tier
	done chan struct{}

	err       error
	committed bool
	discarded bool
}

func newPending(key string, t Tier) *Pending {
	return &Pending{key: key, tier: t, done: make(chan struct{})}
}

// Key returns the reserved key.
func (p *Pending) Key() string { return p.key }

// Tier returns the tier the key was reserved in.
func (p *Pending) Tier() Tier { return p.tier }

// Done is closed once the load settled and the cache acted on it.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until settlement or ctx is done. It returns the load error,
// ErrCapacityExceeded, ErrInvalidArgument for a malformed asset, or nil for
// both a commit and a discard. Cancelling ctx does not cancel the load.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the settlement error, or nil while still pending.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Committed reports whether the load settled into a committed entry.
func (p *Pending) Committed() bool {
	select {
	case <-p.done:
		return p.committed
	default:
		return false
	}
}

// Discarded reports whether the load settled after its reservation had
// already been removed. This is expected under eviction and is not an error.
func (p *Pending) Discarded() bool {
	select {
	case <-p.done:
		return p.discarded
	default:
		return false
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCommitted
	outcomeDiscarded
)

func (p *Pending) settle(o outcome, err error) {
	p.err = err
	p.committed = o == outcomeCommitted
	p.discarded = o == outcomeDiscarded
	close(p.done)
}
