// Package memcached implements a client for a cluster of memcached servers
// speaking the binary protocol: consistent-hash routing, pooled
// connections, and background health monitoring with failover.
package memcached
