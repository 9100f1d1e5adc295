package crdt

// Clock is a Lamport logical clock. Local writes Tick; merged remote entries
// Receive their stamp so every later local write orders after them.
//
// Not goroutine-safe on its own; Doc guards it with its mutex.
type Clock struct {
	ts int64
}

// Tick advances the clock before a local write and returns the new value.
func (c *Clock) Tick() int64 {
	c.ts++
	return c.ts
}

// Receive folds a remote timestamp into the clock: max(own, received) + 1.
func (c *Clock) Receive(received int64) int64 {
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 { return c.ts }

// Stamp identifies one write: the Lamport time and the client that made it.
type Stamp struct {
	Clock  int64  `cbor:"c"`
	Client string `cbor:"n"`
}

// Less reports whether a orders before b. Ties on the clock are broken by
// client id so every replica picks the same winner without coordination.
func (a Stamp) Less(b Stamp) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}
