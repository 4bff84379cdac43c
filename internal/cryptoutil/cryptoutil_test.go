package cryptoutil

import (
	"math/big"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		curve Curve
	}{
		{name: "P-256", curve: P256},
		{name: "K-256", curve: K256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp, err := GenerateKey(tt.curve)
			if err != nil {
				t.Fatalf("GenerateKey() error = %v", err)
			}

			digest := Sha256([]byte("commit bytes to sign"))
			sig, err := Sign(kp, digest)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if len(sig) != SignatureSize {
				t.Fatalf("Sign() produced %d bytes, want %d", len(sig), SignatureSize)
			}

			ok, err := Verify(tt.curve, kp.PublicKey, digest, sig)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if !ok {
				t.Fatal("Verify() = false, want true for freshly produced signature")
			}
		})
	}
}

func TestSign_LowS(t *testing.T) {
	for _, tt := range []struct {
		name  string
		curve Curve
		order *big.Int
	}{
		{name: "P-256", curve: P256, order: testP256Order()},
		{name: "K-256", curve: K256, order: testK256Order()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			kp, err := GenerateKey(tt.curve)
			if err != nil {
				t.Fatalf("GenerateKey() error = %v", err)
			}
			half := new(big.Int).Rsh(tt.order, 1)

			for i := 0; i < 20; i++ {
				digest := Sha256([]byte{byte(i)})
				sig, err := Sign(kp, digest)
				if err != nil {
					t.Fatalf("Sign() error = %v", err)
				}
				s := new(big.Int).SetBytes(sig[32:])
				if s.Cmp(half) > 0 {
					t.Fatalf("signature S exceeds n/2 at iteration %d", i)
				}
			}
		})
	}
}

func TestVerify_TamperedFieldFails(t *testing.T) {
	kp, err := GenerateKey(P256)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	original := Sha256([]byte("did:plc:abc"))
	sig, err := Sign(kp, original)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tampered := Sha256([]byte("did:plc:xyz"))
	ok, err := Verify(P256, kp.PublicKey, tampered, sig)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Fatal("Verify() = true for tampered digest, want false")
	}
}

func TestVerify_RejectsHighS(t *testing.T) {
	kp, err := GenerateKey(P256)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	digest := Sha256([]byte("payload"))
	sig, err := Sign(kp, digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	n := testP256Order()
	s := new(big.Int).SetBytes(sig[32:])
	highS := new(big.Int).Sub(n, s)
	sb := leftPad32(highS.Bytes())
	malleated := append(append([]byte{}, sig[:32]...), sb...)

	ok, err := Verify(P256, kp.PublicKey, digest, malleated)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Fatal("Verify() accepted a high-S malleated signature")
	}
}

func TestVerify_WrongLengthSignature(t *testing.T) {
	kp, err := GenerateKey(P256)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	_, err = Verify(P256, kp.PublicKey, Sha256([]byte("x")), []byte{1, 2, 3})
	if err != ErrInvalidSignature {
		t.Errorf("Verify() error = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestHMACSha256_Deterministic(t *testing.T) {
	key := []byte("secret")
	a := HMACSha256(key, []byte("message"))
	b := HMACSha256(key, []byte("message"))
	if string(a) != string(b) {
		t.Error("HMACSha256 not deterministic for identical inputs")
	}
	c := HMACSha256(key, []byte("different"))
	if string(a) == string(c) {
		t.Error("HMACSha256 produced identical output for different messages")
	}
}

func testP256Order() *big.Int {
	// NIST P-256 group order.
	n, _ := new(big.Int).SetString("ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551", 16)
	return n
}

func testK256Order() *big.Int {
	n, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	return n
}
