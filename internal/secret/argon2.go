package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params parameterizes argon2id hashing. Zero values are replaced by
// the defaults below at Hasher construction time.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

const (
	defaultArgon2Time    = 3
	defaultArgon2Memory  = 64 * 1024
	defaultArgon2Threads = 2
	defaultArgon2KeyLen  = 32
	defaultArgon2SaltLen = 16
)

func (p Argon2Params) withDefaults() Argon2Params {
	if p.Time == 0 {
		p.Time = defaultArgon2Time
	}
	if p.Memory == 0 {
		p.Memory = defaultArgon2Memory
	}
	if p.Threads == 0 {
		p.Threads = defaultArgon2Threads
	}
	if p.KeyLen == 0 {
		p.KeyLen = defaultArgon2KeyLen
	}
	if p.SaltLen == 0 {
		p.SaltLen = defaultArgon2SaltLen
	}
	return p
}

// argon2Hash derives an argon2id digest of plaintext and encodes it in the
// PHC string format: $argon2id$v=19$m=...,t=...,p=...$salt$hash with
// unpadded standard base64.
func argon2Hash(plaintext string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating argon2 salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// argon2Compare re-derives the digest of plaintext with the parameters
// embedded in the stored PHC string and compares in constant time.
// Any parse failure reads as a mismatch.
func argon2Compare(stored, plaintext string) bool {
	fields := strings.Split(stored, "$")
	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	if len(fields) != 6 {
		return false
	}
	if fields[1] != "argon2id" && fields[1] != "argon2i" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(fields[4])
	if err != nil {
		return false
	}
	want, err := enc.DecodeString(fields[5])
	if err != nil {
		return false
	}

	var got []byte
	if fields[1] == "argon2i" {
		got = argon2.Key([]byte(plaintext), salt, timeCost, memory, threads, uint32(len(want)))
	} else {
		got = argon2.IDKey([]byte(plaintext), salt, timeCost, memory, threads, uint32(len(want)))
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
