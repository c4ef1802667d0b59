// Package srp implements the SRP-6a zero-knowledge password proof protocol
// over the RFC 5054 3072-bit group with SHA-256.
//
// Both protocol roles are provided as pure functions over explicit inputs;
// no state is kept between phases beyond what the caller carries. The server
// stores only (salt, verifier) produced by Verifier at registration time and
// never learns the secret itself.
//
// Safeguards:
//   - the client aborts if it receives B == 0 (mod N);
//   - the server aborts if it detects A == 0 (mod N);
//   - the client must show its proof M1 first; on mismatch the server aborts
//     without revealing its own proof.
package srp

import (
	"crypto/subtle"
	"errors"
	"math/big"
)

// ErrProtocolAbort is returned on a degenerate ephemeral value or a failed
// client proof. Neither condition is retryable; the handshake must restart
// from scratch with fresh ephemeral values. Callers at a transport boundary
// must collapse both causes into one opaque failure indicator.
var ErrProtocolAbort = errors.New("srp: protocol abort")

// ClientSession holds the client-side results of a completed phase 2.
type ClientSession struct {
	// K is the derived session key, H(pad(S)).
	K []byte
	// M1 is the client proof to be sent to the server.
	M1 []byte
	// S is the raw shared secret.
	S *big.Int
	// U is the scrambling parameter H(pad(A) || pad(B)).
	U *big.Int
	// X is the password-derived exponent.
	X *big.Int
	// A is the client public ephemeral value, recomputed from a.
	A *big.Int
}

// ServerSession holds the server-side results of a completed phase 2.
type ServerSession struct {
	// M2 is the server proof returned to the client.
	M2 []byte
	// K is the derived session key, byte-equal to the client's on success.
	K []byte
	// S is the raw shared secret.
	S *big.Int
	// U is the scrambling parameter.
	U *big.Int
}

// ComputeX derives the password exponent x = H(pad(salt) || H(identity ":" secret)).
// The inner hash is a plain SHA-256 digest of the identity:secret string; the
// salt contributes in its padded big-integer byte form.
func ComputeX(identity, secret string, salt *big.Int) *big.Int {
	inner := hashParts([]byte(identity + ":" + secret))
	return hashInt(pad(salt), inner)
}

// Verifier produces the password verifier v = g^x mod N for the given
// identity, secret and salt. The (salt, v) pair is persisted in place of a
// password when SRP is the chosen authentication mode; x is returned for
// callers that derive further material from it.
func Verifier(identity, secret string, salt *big.Int) (v, x *big.Int) {
	N, g, _ := Params()
	x = ComputeX(identity, secret, salt)
	v = new(big.Int).Exp(g, x, N)
	return v, x
}

// ClientPhase1 draws the client private ephemeral a and computes the public
// value A = g^a mod N.
func ClientPhase1() (a, A *big.Int, err error) {
	N, g, _ := Params()
	a, err = randInt()
	if err != nil {
		return nil, nil, err
	}
	A = new(big.Int).Exp(g, a, N)
	return a, A, nil
}

// ClientPhase2 consumes the server's public value B and derives the shared
// secret and client proof:
//
//	u = H(pad(A) || pad(B))
//	S = (B - k·g^x)^(a + u·x) mod N
//	K = H(pad(S))
//	M1 = H(pad(A) || pad(B) || pad(S))
//
// It returns ErrProtocolAbort if B mod N == 0: a degenerate server value
// would force a zero shared secret and must never be accepted.
func ClientPhase2(identity, secret string, salt, a, B *big.Int) (*ClientSession, error) {
	N, g, k := Params()

	if new(big.Int).Mod(B, N).Sign() == 0 {
		return nil, ErrProtocolAbort
	}

	x := ComputeX(identity, secret, salt)
	A := new(big.Int).Exp(g, a, N)
	u := hashInt(pad(A), pad(B))

	// base = B - k·g^x, in full precision first, then normalized to a
	// non-negative residue. Reducing incrementally would turn the negative
	// intermediate into a wrong residue.
	gx := new(big.Int).Exp(g, x, N)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	base.Mod(base, N)

	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, N)

	K := hashParts(pad(S))
	M1 := hashParts(pad(A), pad(B), pad(S))

	return &ClientSession{K: K, M1: M1, S: S, U: u, X: x, A: A}, nil
}

// ClientPhase3 verifies the server proof M2 against H(pad(A) || M1 || K).
// A match is the client's evidence that the server actually knows the
// verifier. The recomputed value is returned alongside the comparison result.
func ClientPhase3(A *big.Int, M1, K, M2 []byte) (bool, []byte) {
	computed := hashParts(pad(A), M1, K)
	return subtle.ConstantTimeCompare(computed, M2) == 1, computed
}

// ServerPhase1 draws the server private ephemeral b and computes the public
// value B = (k·v + g^b) mod N for the stored verifier v.
func ServerPhase1(v *big.Int) (b, B *big.Int, err error) {
	N, g, k := Params()
	b, err = randInt()
	if err != nil {
		return nil, nil, err
	}
	kv := new(big.Int).Mul(k, v)
	gb := new(big.Int).Exp(g, b, N)
	B = new(big.Int).Add(kv, gb)
	B.Mod(B, N)
	return b, B, nil
}

// ServerPhase2 consumes the client's public value A and proof M1 and decides
// the authentication:
//
//	u = H(pad(A) || pad(B))
//	S = (A · v^u)^b mod N
//	M = H(pad(A) || pad(B) || pad(S))
//
// It returns ErrProtocolAbort if A mod N == 0, if the recomputed B is
// degenerate, or if M does not equal the supplied M1. A proof mismatch IS the
// authentication decision; on success the session carries K and the server
// proof M2 = H(pad(A) || M1 || K).
func ServerPhase2(identity string, v, b, A *big.Int, M1 []byte) (*ServerSession, error) {
	N, g, k := Params()

	if new(big.Int).Mod(A, N).Sign() == 0 {
		return nil, ErrProtocolAbort
	}

	kv := new(big.Int).Mul(k, v)
	gb := new(big.Int).Exp(g, b, N)
	B := new(big.Int).Add(kv, gb)
	B.Mod(B, N)
	if B.Sign() == 0 {
		return nil, ErrProtocolAbort
	}

	u := hashInt(pad(A), pad(B))

	vu := new(big.Int).Exp(v, u, N)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, N)
	S := new(big.Int).Exp(base, b, N)

	M := hashParts(pad(A), pad(B), pad(S))
	if subtle.ConstantTimeCompare(M, M1) != 1 {
		return nil, ErrProtocolAbort
	}

	K := hashParts(pad(S))
	M2 := hashParts(pad(A), M1, K)

	return &ServerSession{M2: M2, K: K, S: S, U: u}, nil
}
