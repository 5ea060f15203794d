package memcached

import "strings"

// ParseServerList parses a UTF-8 comma-separated `host:port` server list,
// trimming whitespace around commas and collapsing duplicate entries into a
// set. Order of first appearance is preserved.
func ParseServerList(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// JoinServerList is the inverse of ParseServerList, used when a cache
// needs to report or persist its current server set.
func JoinServerList(servers []string) string {
	return strings.Join(servers, ",")
}
