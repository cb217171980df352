// Package engine implements the rollback engine at the heart of a
// session: a bounded ring of saved simulation states plus the frame
// bookkeeping that decides when and how far to roll back.
//
// The engine never touches the consumer's simulation. Every mutation is
// prescribed as an ordered list of Requests (save the current state,
// load an earlier state, advance one frame with a set of inputs) that
// the consumer executes against its own state store. The ring capacity
// bounds the maximum rollback depth: anything evicted from the ring is
// guaranteed to be confirmed already, enforced by keeping the prediction
// window below the ring capacity.
package engine
