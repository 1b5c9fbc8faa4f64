package digestauth

import (
	"testing"
)

const testSecret = "yxa-test-secret"

// TestMakeNonceDeterminism covers the nonce invariant: make_nonce depends
// only on its argument and the configured secret.
func TestMakeNonceDeterminism(t *testing.T) {
	e1 := NewEngine(testSecret)
	e2 := NewEngine(testSecret)

	if e1.MakeNonce("00a7d8c0") != e2.MakeNonce("00a7d8c0") {
		t.Fatalf("two engines with the same secret must agree on the nonce")
	}

	other := NewEngine("a different secret")
	if e1.MakeNonce("00a7d8c0") == other.MakeNonce("00a7d8c0") {
		t.Fatalf("engines with different secrets must not agree")
	}
}

// TestMakeNonceKnownVector pins make_nonce(hex(0,8)) for a fixed secret to
// a fixed, reproducible value.
func TestMakeNonceKnownVector(t *testing.T) {
	e := NewEngine(testSecret)
	got := e.MakeNonce(EncodeOpaque(0))
	want := "6431ae8d2afe7109651a3f4b3eb250f4"
	if got != want {
		t.Fatalf("MakeNonce(hex(0,8)) = %s, want %s", got, want)
	}
}

func TestEncodeDecodeOpaqueRoundTrip(t *testing.T) {
	for _, ts := range []int64{0, 1, 11_000_000, 4_294_967_295} {
		opaque := EncodeOpaque(ts)
		if len(opaque) != 8 {
			t.Fatalf("opaque %q for %d is not 8 hex digits", opaque, ts)
		}
		got, ok := DecodeOpaque(opaque)
		if !ok {
			t.Fatalf("DecodeOpaque(%q) failed to decode", opaque)
		}
		if got != ts {
			t.Fatalf("round trip for %d produced %d", ts, got)
		}
	}
}

func TestDecodeOpaqueRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "zz", "00a7d8c", "00a7d8c0ff", "nothexat"} {
		if _, ok := DecodeOpaque(bad); ok {
			t.Fatalf("DecodeOpaque(%q) should have failed", bad)
		}
	}
}

// TestComputeResponseDeterminism: the same inputs always produce the same
// response.
func TestComputeResponseDeterminism(t *testing.T) {
	r1, ok1 := ComputeResponse("nonce123", "INVITE", "sip:ft@example.org", "ft.test", Password("foo"), "yxa-test")
	r2, ok2 := ComputeResponse("nonce123", "INVITE", "sip:ft@example.org", "ft.test", Password("foo"), "yxa-test")
	if !ok1 || !ok2 || r1 != r2 {
		t.Fatalf("ComputeResponse is not deterministic: (%s,%v) vs (%s,%v)", r1, ok1, r2, ok2)
	}
}

func TestComputeResponsePasswordNotFound(t *testing.T) {
	if _, ok := ComputeResponse("n", "INVITE", "sip:x@example.org", "u", PasswordNotFound, "r"); ok {
		t.Fatalf("ComputeResponse should report not-ok for an unknown password")
	}
}

// TestS1HappyPathVector reproduces a known happy-path challenge/response
// pair end to end through the digest engine (without the freshness-window
// / verdict layer, which belongs to the credentials verifier).
func TestS1HappyPathVector(t *testing.T) {
	e := NewEngine(testSecret)
	const now = 11_000_000

	challenge := e.NewChallenge("yxa-test", now)
	if challenge.Opaque != "00a7d8c0" {
		t.Fatalf("opaque = %s, want 00a7d8c0", challenge.Opaque)
	}

	response, ok := ComputeResponse(challenge.Nonce, "INVITE", "sip:ft@example.org", "ft.test", Password("foo"), "yxa-test")
	if !ok {
		t.Fatalf("ComputeResponse reported not-ok")
	}
	const want = "c08db80c3dbecdf196b383c8d00b5e6c"
	if response != want {
		t.Fatalf("response = %s, want %s", response, want)
	}
}

func TestFormatAuthHeader(t *testing.T) {
	got := FormatAuthHeader("Digest", "alice", "example.org", "sip:alice@example.org", "deadbeef", "cafef00d", "00a7d8c0", "md5")
	want := `Digest username="alice", realm="example.org", uri="sip:alice@example.org", response="deadbeef", nonce="cafef00d", opaque="00a7d8c0", algorithm=md5`
	if got != want {
		t.Fatalf("FormatAuthHeader =\n%s\nwant\n%s", got, want)
	}
}
