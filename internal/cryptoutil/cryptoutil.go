// Package cryptoutil provides the signing primitives the repository engine
// needs: SHA-256 hashing, ECDSA over P-256 and K-256 with mandatory low-S
// signature normalization, and HMAC-SHA-256.
//
// P-256 uses the standard library. K-256 (secp256k1) has no standard
// library support, so it is implemented with
// github.com/decred/dcrd/dcrec/secp256k1/v4, the curve library the rest of
// this code's domain (chain/ledger Go services) reaches for.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Curve identifies which elliptic curve a signing key uses.
type Curve int

const (
	// P256 is NIST P-256 (secp256r1).
	P256 Curve = iota
	// K256 is secp256k1.
	K256
)

// SignatureSize is the fixed length of a low-S-normalized R||S signature.
const SignatureSize = 64

// Sentinel errors surfaced by this package, per the core's error taxonomy:
// structural/validation failures are InvalidInput, scalar overflow during
// signing is a fatal CryptoFailure.
var (
	ErrUnsupportedCurve  = errors.New("cryptoutil: unsupported curve")
	ErrInvalidDigestSize = errors.New("cryptoutil: digest must be 32 bytes")
	ErrInvalidSignature  = errors.New("cryptoutil: signature must be 64 bytes")
	ErrNonCanonicalSig   = errors.New("cryptoutil: signature S is not in low half of curve order")
	ErrScalarOverflow    = errors.New("cryptoutil: signature scalar exceeds 32 bytes")
)

// Sha256 hashes b and returns the 32-byte digest.
func Sha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// HMACSha256 computes HMAC-SHA-256 over message with the given key.
func HMACSha256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// KeyPair is a signing key pair for one of the supported curves.
type KeyPair struct {
	Curve      Curve
	PrivateKey []byte // big-endian scalar
	PublicKey  []byte // SEC1 uncompressed point (0x04 || X || Y)
}

// GenerateKey creates a new random key pair on the given curve.
func GenerateKey(curve Curve) (*KeyPair, error) {
	switch curve {
	case P256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			Curve:      P256,
			PrivateKey: leftPad32(priv.D.Bytes()),
			PublicKey:  elliptic.Marshal(elliptic.P256(), priv.X, priv.Y),
		}, nil
	case K256:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		pub := priv.PubKey()
		return &KeyPair{
			Curve:      K256,
			PrivateKey: leftPad32(priv.Key.Bytes()[:]),
			PublicKey:  pub.SerializeUncompressed(),
		}, nil
	default:
		return nil, ErrUnsupportedCurve
	}
}

// Sign produces a low-S-normalized R||S signature (64 bytes) over a 32-byte
// digest. The digest is not hashed again; callers pass the already-hashed
// value (e.g. the SHA-256 of a DAG-CBOR-encoded commit).
func Sign(kp *KeyPair, digest [32]byte) ([]byte, error) {
	switch kp.Curve {
	case P256:
		return signP256(kp, digest)
	case K256:
		return signK256(kp, digest)
	default:
		return nil, ErrUnsupportedCurve
	}
}

// Verify checks a 64-byte R||S signature over a 32-byte digest. It rejects
// any signature whose S is not in the low half of the curve order — callers
// must not accept a signature Sign would never have produced.
func Verify(curve Curve, publicKey []byte, digest [32]byte, sig []byte) (bool, error) {
	if len(sig) != SignatureSize {
		return false, ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	switch curve {
	case P256:
		curveParams := elliptic.P256()
		if !isLowS(s, curveParams.Params().N) {
			return false, nil
		}
		x, y := elliptic.Unmarshal(curveParams, publicKey)
		if x == nil {
			return false, ErrInvalidSignature
		}
		pub := &ecdsa.PublicKey{Curve: curveParams, X: x, Y: y}
		return ecdsa.Verify(pub, digest[:], r, s), nil
	case K256:
		if !isLowS(s, k256Order) {
			return false, nil
		}
		pub, err := secp256k1.ParsePubKey(publicKey)
		if err != nil {
			return false, ErrInvalidSignature
		}
		var rMod, sMod secp256k1.ModNScalar
		rMod.SetByteSlice(sig[:32])
		sMod.SetByteSlice(sig[32:])
		signature := dcrecdsa.NewSignature(&rMod, &sMod)
		return signature.Verify(digest[:], pub), nil
	default:
		return false, ErrUnsupportedCurve
	}
}

func signP256(kp *KeyPair, digest [32]byte) ([]byte, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(kp.PrivateKey)
	x, y := curve.ScalarBaseMult(kp.PrivateKey)
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, err
	}
	s = normalizeLowS(s, curve.Params().N)

	return packSignature(r, s)
}

func signK256(kp *KeyPair, digest [32]byte) ([]byte, error) {
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(kp.PrivateKey)
	if overflow {
		return nil, ErrScalarOverflow
	}
	priv := secp256k1.NewPrivateKey(&scalar)

	// Sign returns a DER-encoded signature; decode it to get the raw R/S
	// scalars so they can be normalized and zero-padded the same way as the
	// P-256 path.
	sig := dcrecdsa.Sign(priv, digest[:])
	r, s, err := parseDERSignature(sig.Serialize())
	if err != nil {
		return nil, err
	}
	s = normalizeLowS(s, k256Order)

	return packSignature(r, s)
}

// parseDERSignature decodes a minimal DER ECDSA signature
// (30 len 02 rlen r 02 slen s) into its R and S integers.
func parseDERSignature(der []byte) (r, s *big.Int, err error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, nil, ErrInvalidSignature
	}
	i := 2
	if i >= len(der) || der[i] != 0x02 {
		return nil, nil, ErrInvalidSignature
	}
	i++
	rLen := int(der[i])
	i++
	if i+rLen > len(der) {
		return nil, nil, ErrInvalidSignature
	}
	r = new(big.Int).SetBytes(der[i : i+rLen])
	i += rLen
	if i >= len(der) || der[i] != 0x02 {
		return nil, nil, ErrInvalidSignature
	}
	i++
	sLen := int(der[i])
	i++
	if i+sLen > len(der) {
		return nil, nil, ErrInvalidSignature
	}
	s = new(big.Int).SetBytes(der[i : i+sLen])
	return r, s, nil
}

// k256Order is the order of the secp256k1 base point.
var k256Order, _ = new(big.Int).SetString(
	"fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// packSignature zero-pads R and S to 32 bytes each and concatenates them.
// It fails if either scalar needs more than 32 bytes, which should never
// happen for a validly generated key — a CryptoFailure per the core's error
// taxonomy.
func packSignature(r, s *big.Int) ([]byte, error) {
	rb := r.Bytes()
	sb := s.Bytes()
	if len(rb) > 32 || len(sb) > 32 {
		return nil, ErrScalarOverflow
	}
	out := make([]byte, SignatureSize)
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):64], sb)
	return out, nil
}

// normalizeLowS replaces s with n-s when s is in the high half of the curve
// order, ensuring every signature this package produces has a unique,
// canonical S per (key, message).
func normalizeLowS(s, n *big.Int) *big.Int {
	halfN := new(big.Int).Rsh(n, 1)
	if s.Cmp(halfN) > 0 {
		return new(big.Int).Sub(n, s)
	}
	return s
}

func isLowS(s, n *big.Int) bool {
	halfN := new(big.Int).Rsh(n, 1)
	return s.Cmp(halfN) <= 0
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
