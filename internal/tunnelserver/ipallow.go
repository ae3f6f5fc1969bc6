package tunnelserver

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// ipAllowList holds the networks a tunnel accepts public connections from.
// An empty list allows everyone.
type ipAllowList []netip.Prefix

// parseAllowList accepts plain addresses and CIDRs (e.g. 1.2.3.4, 10.0.0.0/8).
func parseAllowList(entries []string) (ipAllowList, error) {
	list := make(ipAllowList, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, errors.Errorf("invalid allow-ip %q", e)
			}
			list = append(list, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, errors.Errorf("invalid allow-ip %q", e)
		}
		a = a.Unmap()
		list = append(list, netip.PrefixFrom(a, a.BitLen()))
	}
	return list, nil
}

func (l ipAllowList) allows(addr net.Addr) bool {
	if len(l) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()
	for _, p := range l {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (l ipAllowList) strings() []string {
	if len(l) == 0 {
		return nil
	}
	out := make([]string, len(l))
	for i, p := range l {
		out[i] = p.String()
	}
	return out
}
