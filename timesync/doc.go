// Package timesync keeps peers running at the same simulation frame.
//
// Each peer periodically learns, through protocol quality reports, how
// many frames ahead of its remotes it is running. TimeSync keeps a short
// rolling window of these observations and recommends how many frames
// the locally faster side should wait. It only ever slows a peer down;
// both sides running the same algorithm with swapped perspectives is
// what keeps the pair balanced.
package timesync
