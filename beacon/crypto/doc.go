// Package crypto provides the cryptographic primitives of the beacon protocol.
//
// Design goals:
//   - Daily secret keys form a one-way chain: SK(d+1) = SHA-256(SK(d))
//   - Ephemeral ids: AES-256-CTR keystream keyed by HMAC-SHA256(SK, "broadcast key")
//   - Storage keys derived via HKDF-SHA256
//   - Values at rest sealed with XChaCha20-Poly1305
package crypto
