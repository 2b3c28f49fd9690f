// Package fingerprint derives a coarse, salted client identity from the
// connection IP and User-Agent.
//
// The IP is truncated to /24 (IPv6 to /48) before hashing. Clients on the same
// subnet with rotating addresses keep a stable fingerprint; this precision loss
// is intended, not a bug. The secret keys the HMAC so fingerprints cannot be
// forged without the server secret.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Compute returns the hex fingerprint for the given IP and user agent.
// Unparseable IPs hash under the literal "unknown" prefix so they still
// produce a consistent (if shared) identity.
func Compute(ip, userAgent string, secret []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(coarsenIP(ip)))
	m.Write([]byte{'|'})
	m.Write([]byte(userAgent))
	return hex.EncodeToString(m.Sum(nil))
}

// FromRequest computes the fingerprint from the request's client IP
// (honoring trusted proxies, see ClientIP) and User-Agent header.
func FromRequest(r *http.Request, secret []byte, trustedProxies []*net.IPNet) string {
	return Compute(ClientIP(r, trustedProxies), r.Header.Get("User-Agent"), secret)
}

func coarsenIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// ClientIP extracts the client IP for fingerprinting and rate limiting.
// X-Forwarded-For is only honored when the immediate peer is a trusted proxy;
// otherwise an attacker could spoof XFF to rotate identities at will.
func ClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return ""
	}

	trusted := false
	for _, n := range trustedProxies {
		if n.Contains(remoteIP) {
			trusted = true
			break
		}
	}
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if cand := strings.TrimSpace(parts[0]); cand != "" {
				if ip := net.ParseIP(cand); ip != nil {
					return ip.String()
				}
			}
		}
	}
	return remoteIP.String()
}
