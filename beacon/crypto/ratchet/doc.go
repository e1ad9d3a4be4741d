// Package ratchet owns the device's daily secret keys and the ephemeral ids
// derived from them.
//
// Chain is a one-way forward chain: each day's key is the SHA-256 of the
// previous day's. It rotates lazily when a newer day is requested, keeps a
// bounded trailing window and is reseeded from scratch on Reset, which severs
// any link between disclosed keys and future broadcasts.
//
// Broadcaster derives a day's ephemeral ids from the chain, applies a one-time
// random permutation and serves the id of the current epoch.
package ratchet
