package password

import (
	"errors"
	"strings"
	"testing"
)

// testParams keeps argon2 cheap so the suite stays fast.
var testParams = Params{
	Memory:      8 * 1024,
	Time:        1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(testParams)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Fatalf("unexpected PHC prefix: %q", encoded)
	}

	match, err := h.Verify("correct horse battery staple", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !match {
		t.Fatal("correct password must verify")
	}

	match, err = h.Verify("wrong password", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if match {
		t.Fatal("wrong password must not verify")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.Hash("same password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	b, err := h.Hash("same password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyRejectsBadFormat(t *testing.T) {
	h := newTestHasher(t)

	for _, bad := range []string{
		"",
		"plaintext",
		"$bcrypt$whatever",
		"$argon2id$v=18$m=8192,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAA",
		"$argon2id$v=19$m=8192,t=1,p=1$notbase64!!$AAAA",
	} {
		if _, err := h.Verify("password", bad); !errors.Is(err, ErrHashFormat) {
			t.Fatalf("Verify(%q): err = %v, want ErrHashFormat", bad, err)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, err := NewHasher(Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	strong, err := NewHasher(Params{Memory: 16 * 1024, Time: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	encoded, err := weak.Hash("password")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if !upgrade {
		t.Fatal("weaker hash must report an upgrade")
	}

	upgrade, err = weak.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if upgrade {
		t.Fatal("matching parameters must not report an upgrade")
	}

	// the old hash still verifies under the stronger hasher
	match, err := strong.Verify("password", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !match {
		t.Fatal("embedded parameters must drive verification")
	}
}

func TestNewHasherRejectsWeakParams(t *testing.T) {
	cases := []Params{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 32},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, p := range cases {
		if _, err := NewHasher(p); err == nil {
			t.Fatalf("case %d: expected an error", i)
		}
	}
}
