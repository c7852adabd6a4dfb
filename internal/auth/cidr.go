// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRSet parses a list of CIDR or bare-IP strings into matchable
// networks, following the same bare-IP-as-/32-or-/128 widening the
// teacher's outbound allowlist parser uses.
func ParseCIDRSet(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if ip, ipnet, err := net.ParseCIDR(entry); err == nil {
			ipnet.IP = ip
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("auth: invalid CIDR or IP %q", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// ContainsIP reports whether ip falls within any of nets.
func ContainsIP(nets []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveSourceIP returns the request's effective source IP: r.RemoteAddr
// unless it originates from a trusted proxy, in which case the leftmost
// entry of X-Forwarded-For that is itself not within trustedProxies is
// honored (§6). A malformed RemoteAddr or header falls back to RemoteAddr.
func ResolveSourceIP(r *http.Request, trustedProxies []*net.IPNet) net.IP {
	direct := remoteIP(r.RemoteAddr)
	if direct == nil {
		return nil
	}
	if !ContainsIP(trustedProxies, direct) {
		return direct
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return direct
	}
	for _, hop := range strings.Split(xff, ",") {
		ip := net.ParseIP(strings.TrimSpace(hop))
		if ip == nil {
			continue
		}
		if !ContainsIP(trustedProxies, ip) {
			return ip
		}
	}
	return direct
}

func remoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}
