package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is assumed for seed broker entries that do not carry one.
const DefaultPort = 9092

// LookupSrv returns a list of host:port strings in the order returned by the
// srv lookup call.
func LookupSrv(name string) ([]string, error) {
	_, srvs, err := net.LookupSRV("", "", name)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, srv := range srvs {
		addrs = append(addrs, net.JoinHostPort(srv.Target, strconv.Itoa(int(srv.Port))))
	}
	return addrs, nil
}

// ParseSeeds accepts a comma separated seed broker string. Each entry is
// "host", "host:port", or "scheme://host[:port]" (the scheme is
// informational only). Entries without a port get DefaultPort.
func ParseSeeds(s string) ([]string, error) {
	var seeds []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, err := NormalizeSeed(entry)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, addr)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed brokers in %q", s)
	}
	return seeds, nil
}

// NormalizeSeeds normalizes a list of seed broker entries.
func NormalizeSeeds(entries []string) ([]string, error) {
	var seeds []string
	for _, entry := range entries {
		addr, err := NormalizeSeed(entry)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, addr)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed brokers")
	}
	return seeds, nil
}

// ExpandSeed resolves one seed entry to dialable addresses. Entries with an
// explicit port pass through. A bare name is first tried as a DNS SRV record
// (so "kafka.service.consul" style discovery works with no extra
// configuration); when the lookup yields nothing it falls back to
// host:DefaultPort. The cluster expands seeds on every metadata refresh and
// coordinator lookup, so SRV answers are re-resolved each time.
func ExpandSeed(entry string) ([]string, error) {
	addr, err := NormalizeSeed(entry)
	if err != nil {
		return nil, err
	}
	if i := strings.Index(entry, "://"); i >= 0 {
		entry = entry[i+3:]
	}
	if _, _, err := net.SplitHostPort(entry); err == nil {
		// the entry named its port explicitly
		return []string{addr}, nil
	}
	if srvAddrs, err := LookupSrv(entry); err == nil && len(srvAddrs) > 0 {
		return srvAddrs, nil
	}
	return []string{addr}, nil
}

// NormalizeSeed turns a single seed entry into host:port form.
func NormalizeSeed(entry string) (string, error) {
	if i := strings.Index(entry, "://"); i >= 0 {
		entry = entry[i+3:]
	}
	if entry == "" {
		return "", fmt.Errorf("empty seed broker entry")
	}
	host, port, err := net.SplitHostPort(entry)
	if err != nil {
		// no port in entry
		return net.JoinHostPort(entry, strconv.Itoa(DefaultPort)), nil
	}
	if host == "" {
		return "", fmt.Errorf("invalid seed broker entry: %q", entry)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid port in seed broker entry %q: %w", entry, err)
	}
	return net.JoinHostPort(host, port), nil
}
