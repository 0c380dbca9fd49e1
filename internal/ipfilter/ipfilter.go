// Package ipfilter evaluates incoming RPC source addresses against a
// comma-separated allow-list of individual addresses and CIDR ranges.
package ipfilter

import (
	"net"
	"strings"
	"sync"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
)

const wildcard = "*"

// entry is either a single address or a CIDR range.
type entry struct {
	ip   net.IP     // set when the rule is a single address
	cidr *net.IPNet // set when the rule is a CIDR range
}

func (e entry) matches(ip net.IP) bool {
	if e.cidr != nil {
		return e.cidr.Contains(ip)
	}
	return e.ip.Equal(ip)
}

// Filter holds the parsed allow-list. It is safe for concurrent use; Update
// swaps the rule set atomically so a config hot-reload never observes a
// partially-updated list.
type Filter struct {
	mu       sync.RWMutex
	entries  []entry
	allowAll bool
}

// New parses a comma-separated allow-list, such as
// "10.0.0.0/8,192.168.1.42,*". An empty list denies everything; a bare "*"
// or "0.0.0.0/0" allows everything.
func New(list string) (*Filter, error) {
	f := &Filter{}
	if err := f.Update(list); err != nil {
		return nil, err
	}
	return f, nil
}

// Update replaces the current rule set with the one parsed from list.
func (f *Filter) Update(list string) error {
	entries, allowAll, err := parse(list)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.entries = entries
	f.allowAll = allowAll
	f.mu.Unlock()
	return nil
}

func parse(list string) ([]entry, bool, error) {
	var entries []entry
	for _, raw := range strings.Split(list, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		if item == wildcard || item == "0.0.0.0/0" {
			return nil, true, nil
		}
		if strings.Contains(item, "/") {
			_, ipnet, err := net.ParseCIDR(item)
			if err != nil {
				return nil, false, errmap.New(errmap.KindConfigInvalid, "malformed CIDR %q: %v", item, err)
			}
			entries = append(entries, entry{cidr: ipnet})
			continue
		}
		ip := net.ParseIP(item)
		if ip == nil {
			return nil, false, errmap.New(errmap.KindConfigInvalid, "malformed IP address %q", item)
		}
		entries = append(entries, entry{ip: ip})
	}
	return entries, false, nil
}

// Allow reports whether addr (a "host" or "host:port" string, or a bare IP)
// is permitted by the current rule set.
func (f *Filter) Allow(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.allowAll {
		return true
	}

	ip := extractIP(addr)
	if ip == nil {
		return false
	}
	for _, e := range f.entries {
		if e.matches(ip) {
			return true
		}
	}
	return false
}

// Check is Allow wrapped in the standard security-denied error, for call
// sites that want a single error-producing admission check.
func (f *Filter) Check(addr string) error {
	if f.Allow(addr) {
		return nil
	}
	return errmap.New(errmap.KindSecurityDenied, "source address %q is not in the allowed list", addr)
}

func extractIP(addr string) net.IP {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return net.ParseIP(strings.TrimSpace(host))
}
