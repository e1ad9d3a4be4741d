// Package beacon is a decentralized proximity-tracing engine.
//
// A device broadcasts short-lived ephemeral ids derived from a daily secret key
// that is ratcheted forward once per day. It records the ids it hears as
// handshakes, folds them into daily contacts, and periodically downloads the
// keys published by confirmed cases to test whether any contact was one of
// theirs. A device that tests positive discloses its key; decoy reports hide
// real ones.
//
// Tracer ties the components together behind one writer lock. The building
// blocks live in subpackages and can be used on their own: crypto/ratchet for
// keys and ids, contact for aggregation, exposure for matching and scoring,
// syncer and publish for the backend protocols, store for persistence.
package beacon
