package fingerprint

import (
	"net"
	"net/http/httptest"
	"testing"
)

var secret = []byte("fingerprint-test-secret")

func TestCompute_SameSubnetCollides(t *testing.T) {
	// /24 truncation is intended: rotating addresses within one subnet must
	// yield the same fingerprint.
	a := Compute("203.0.113.7", "Mozilla/5.0", secret)
	b := Compute("203.0.113.200", "Mozilla/5.0", secret)
	if a != b {
		t.Error("same /24 subnet should produce identical fingerprints")
	}
}

func TestCompute_DifferentSubnetDiffers(t *testing.T) {
	a := Compute("203.0.113.7", "Mozilla/5.0", secret)
	b := Compute("203.0.114.7", "Mozilla/5.0", secret)
	if a == b {
		t.Error("different /24 subnets should produce different fingerprints")
	}
}

func TestCompute_UserAgentBound(t *testing.T) {
	a := Compute("203.0.113.7", "Mozilla/5.0", secret)
	b := Compute("203.0.113.7", "curl/8.0", secret)
	if a == b {
		t.Error("different user agents should produce different fingerprints")
	}
}

func TestCompute_SecretBound(t *testing.T) {
	a := Compute("203.0.113.7", "Mozilla/5.0", secret)
	b := Compute("203.0.113.7", "Mozilla/5.0", []byte("other"))
	if a == b {
		t.Error("fingerprint must depend on the server secret")
	}
}

func TestCompute_UnparseableIP(t *testing.T) {
	a := Compute("garbage", "ua", secret)
	b := Compute("also-garbage", "ua", secret)
	if a != b {
		t.Error("unparseable IPs should share the unknown bucket")
	}
	if a == "" {
		t.Error("fingerprint must not be empty")
	}
}

func TestClientIP_IgnoresXFFFromUntrustedPeer(t *testing.T) {
	r := httptest.NewRequest("POST", "/register", nil)
	r.RemoteAddr = "198.51.100.9:4242"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")

	if got := ClientIP(r, nil); got != "198.51.100.9" {
		t.Errorf("expected RemoteAddr IP, got %s", got)
	}
}

func TestClientIP_TrustsXFFFromTrustedProxy(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("198.51.100.0/24")
	r := httptest.NewRequest("POST", "/register", nil)
	r.RemoteAddr = "198.51.100.9:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 198.51.100.9")

	if got := ClientIP(r, []*net.IPNet{cidr}); got != "203.0.113.50" {
		t.Errorf("expected left-most XFF IP, got %s", got)
	}
}
