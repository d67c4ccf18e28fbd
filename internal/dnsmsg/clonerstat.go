package dnsmsg

// ClonerStat collects statistics about a
// [Cloner].
//
// All methods must be safe for concurrent use.
type ClonerStat interface {
	// OnClone is called on [Cloner.Clone] calls.  isFull is true if the clone
	// was full.
	OnClone(isFull bool)
}

// EmptyClonerStat is a no-op [ClonerStat] implementation.
type EmptyClonerStat struct{}

// type check
var _ ClonerStat = EmptyClonerStat{}

// OnClone implements the [ClonerStat] interface for EmptyClonerStat.
func (EmptyClonerStat) OnClone(_ bool) {}
