package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
)

// RFC 5054 3072-bit group. N is a safe prime, g its generator. The
// multiplier k = H(pad(N) || pad(g)) is derived once at init time.
const (
	hexN = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33" +
		"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864" +
		"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2" +
		"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"
	hexG = "05"

	// ephemeralBits is the entropy of the per-exchange private values a, b
	// and of freshly generated salts.
	ephemeralBits = 256
)

var (
	initOnce sync.Once
	paramN   *big.Int
	paramG   *big.Int
	paramK   *big.Int
	padLen   int
)

// Params returns the process-wide SRP group parameters (N, g, k).
// They are parsed and derived exactly once; subsequent calls are cheap and
// safe to make concurrently.
func Params() (N, g, k *big.Int) {
	initOnce.Do(func() {
		paramN, _ = new(big.Int).SetString(hexN, 16)
		paramG, _ = new(big.Int).SetString(hexG, 16)
		padLen = len(paramN.Bytes())
		paramK = hashInt(padBytes(paramN), padBytes(paramG))
	})
	return paramN, paramG, paramK
}

// pad returns the big-endian byte form of i left-padded with zeros to the
// byte length of the modulus. Every hash that mixes group elements uses the
// padded form; unpadded bytes break interop with compliant peers.
func pad(i *big.Int) []byte {
	Params()
	return padBytes(i)
}

// padBytes is the padding arithmetic without the Params() initialization
// guard; the Once body in Params calls it directly to avoid re-entering
// the Once.
func padBytes(i *big.Int) []byte {
	b := i.Bytes()
	if len(b) >= padLen {
		return b
	}
	out := make([]byte, padLen)
	copy(out[padLen-len(b):], b)
	return out
}

// hashParts returns SHA-256 over the concatenation of the given parts.
func hashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// hashInt is hashParts with the digest interpreted as a big-endian integer.
func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashParts(parts...))
}

// NewSalt draws a fresh per-exchange salt from a cryptographically secure
// random source.
func NewSalt() (*big.Int, error) {
	return randInt()
}

func randInt() (*big.Int, error) {
	b := make([]byte, ephemeralBits/8)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("srp: reading random bytes: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}
