package memcached

import (
	"context"
	"sync"

	"github.com/outpostcache/memcached/internal/codec"
	"github.com/outpostcache/memcached/internal/conn"
)

// group partitions a set of caller keys by the server the ring assigns
// them to step 1.
func (c *Cache) group(keys []string) map[string][]string {
	groups := make(map[string][]string)
	for _, k := range keys {
		server, ok := c.ring.Lookup([]byte(k))
		if !ok {
			continue // no server at all: left out of every group, absent from the result
		}
		groups[server] = append(groups[server], k)
	}
	return groups
}

// GetMulti fetches every key in keys, scattering per-server quiet GetQ
// batches terminated by NOOP and gathering the hits
// Keys that miss, whose server is unreachable, or that route nowhere are
// simply absent from the result.
func (c *Cache) GetMulti(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte)
	var mu sync.Mutex

	c.runGroups(ctx, keys, func(cn *conn.Connection, server string, groupKeys []string) error {
		opaqueToKey := make(map[uint32]string, len(groupKeys))
		opaques := make([]uint32, len(groupKeys))
		for i, k := range groupKeys {
			opaque := cn.NextOpaque()
			opaques[i] = opaque
			opaqueToKey[opaque] = k
		}

		cn.SetBatchSink(func(resp *codec.Response) {
			key, ok := opaqueToKey[resp.Opaque]
			if !ok || resp.Status != codec.StatusNoError {
				return
			}
			mu.Lock()
			out[key] = resp.Value
			mu.Unlock()
		})
		defer cn.SetBatchSink(nil)

		for i, k := range groupKeys {
			if err := cn.SendQuiet(&codec.Request{Opcode: codec.OpGetQ, Key: []byte(k), Opaque: opaques[i]}, c.cfg.writeTimeout()); err != nil {
				return err
			}
		}
		_, err := cn.Send(&codec.Request{Opcode: codec.OpNoop}, c.cfg.writeTimeout(), c.cfg.responseTimeout())
		return err
	})

	return out
}

// SetMulti stores every key/value pair, reporting per-key success. Keys
// whose server is unreachable are reported false step 5.
func (c *Cache) SetMulti(ctx context.Context, items map[string][]byte, flags, expiration uint32) map[string]bool {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	// Every key defaults to false (the group may never run if its server is
	// unreachable); a group that does run flips each of its keys to true up
	// front, since a quiet store's success is conveyed by the *absence* of a
	// response, then the batch sink flips individual failures back to false.
	out := make(map[string]bool, len(keys))
	var mu sync.Mutex
	for _, k := range keys {
		out[k] = false
	}

	c.runGroups(ctx, keys, func(cn *conn.Connection, server string, groupKeys []string) error {
		opaqueToKey := make(map[uint32]string, len(groupKeys))
		opaques := make([]uint32, len(groupKeys))
		for i, k := range groupKeys {
			opaque := cn.NextOpaque()
			opaques[i] = opaque
			opaqueToKey[opaque] = k
		}

		cn.SetBatchSink(func(resp *codec.Response) {
			if key, ok := opaqueToKey[resp.Opaque]; ok {
				mu.Lock()
				out[key] = false
				mu.Unlock()
			}
		})
		defer cn.SetBatchSink(nil)

		mu.Lock()
		for _, k := range groupKeys {
			out[k] = true
		}
		mu.Unlock()

		sendErr := func() error {
			for i, k := range groupKeys {
				req := &codec.Request{
					Opcode: codec.OpSetQ,
					Key:    []byte(k),
					Value:  items[k],
					Extras: codec.StorageExtras(flags, expiration),
					Opaque: opaques[i],
				}
				if err := cn.SendQuiet(req, c.cfg.writeTimeout()); err != nil {
					return err
				}
			}
			_, err := cn.Send(&codec.Request{Opcode: codec.OpNoop}, c.cfg.writeTimeout(), c.cfg.responseTimeout())
			return err
		}()

		if sendErr != nil {
			// The whole group's outcome is unknown; treat every key in it
			// as failed rather than leaving the optimistic true in place.
			mu.Lock()
			for _, k := range groupKeys {
				out[k] = false
			}
			mu.Unlock()
		}
		return sendErr
	})

	return out
}

// DeleteMulti deletes every key, reporting per-key success. Key_Not_Found
// is success, matching single-key Delete's idempotence rule.
func (c *Cache) DeleteMulti(ctx context.Context, keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	var mu sync.Mutex
	for _, k := range keys {
		mu.Lock()
		out[k] = false
		mu.Unlock()
	}

	c.runGroups(ctx, keys, func(cn *conn.Connection, server string, groupKeys []string) error {
		opaqueToKey := make(map[uint32]string, len(groupKeys))
		opaques := make([]uint32, len(groupKeys))
		for i, k := range groupKeys {
			opaque := cn.NextOpaque()
			opaques[i] = opaque
			opaqueToKey[opaque] = k
		}

		failedKeys := make(map[string]bool)
		cn.SetBatchSink(func(resp *codec.Response) {
			key, ok := opaqueToKey[resp.Opaque]
			if !ok {
				return
			}
			if resp.Status != codec.StatusNoError && resp.Status != codec.StatusKeyNotFound {
				mu.Lock()
				failedKeys[key] = true
				mu.Unlock()
			}
		})
		defer cn.SetBatchSink(nil)

		for i, k := range groupKeys {
			req := &codec.Request{Opcode: codec.OpDeleteQ, Key: []byte(k), Opaque: opaques[i]}
			if err := cn.SendQuiet(req, c.cfg.writeTimeout()); err != nil {
				return err
			}
		}
		if _, err := cn.Send(&codec.Request{Opcode: codec.OpNoop}, c.cfg.writeTimeout(), c.cfg.responseTimeout()); err != nil {
			return err
		}

		mu.Lock()
		for _, k := range groupKeys {
			out[k] = !failedKeys[k]
		}
		mu.Unlock()
		return nil
	})

	return out
}

// CasMulti stores every key/value pair only if its CAS token matches,
// reporting per-key success. A zero token stores unconditionally; a CAS
// mismatch, or a missing key under a non-zero token, is a plain failure,
// not an error.
func (c *Cache) CasMulti(ctx context.Context, items map[string]CasItem) map[string]bool {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	out := make(map[string]bool, len(keys))
	var mu sync.Mutex
	for _, k := range keys {
		mu.Lock()
		out[k] = false
		mu.Unlock()
	}

	c.runGroups(ctx, keys, func(cn *conn.Connection, server string, groupKeys []string) error {
		opaqueToKey := make(map[uint32]string, len(groupKeys))
		opaques := make([]uint32, len(groupKeys))
		for i, k := range groupKeys {
			opaque := cn.NextOpaque()
			opaques[i] = opaque
			opaqueToKey[opaque] = k
		}

		failedKeys := make(map[string]bool)
		cn.SetBatchSink(func(resp *codec.Response) {
			key, ok := opaqueToKey[resp.Opaque]
			if !ok {
				return
			}
			if resp.Status != codec.StatusNoError {
				mu.Lock()
				failedKeys[key] = true
				mu.Unlock()
			}
		})
		defer cn.SetBatchSink(nil)

		for i, k := range groupKeys {
			item := items[k]
			req := &codec.Request{
				Opcode: codec.OpSetQ,
				Key:    []byte(k),
				Value:  item.Value,
				Extras: codec.StorageExtras(item.Flags, item.Expiration),
				CAS:    item.CAS,
				Opaque: opaques[i],
			}
			if err := cn.SendQuiet(req, c.cfg.writeTimeout()); err != nil {
				return err
			}
		}
		if _, err := cn.Send(&codec.Request{Opcode: codec.OpNoop}, c.cfg.writeTimeout(), c.cfg.responseTimeout()); err != nil {
			return err
		}

		mu.Lock()
		for _, k := range groupKeys {
			out[k] = !failedKeys[k]
		}
		mu.Unlock()
		return nil
	})

	return out
}

// CasItem is one entry of a CasMulti call.
type CasItem struct {
	Value      []byte
	Flags      uint32
	Expiration uint32
	CAS        uint64
}

// runGroups partitions keys by server and runs fn against a borrowed
// connection for each group in parallel. A group whose server is
// unreachable leaves its keys' pre-seeded zero-value results in place; the
// overall call does not fail.
func (c *Cache) runGroups(ctx context.Context, keys []string, fn func(cn *conn.Connection, server string, groupKeys []string) error) {
	groups := c.group(keys)

	var wg sync.WaitGroup
	for server, groupKeys := range groups {
		wg.Add(1)
		go func(server string, groupKeys []string) {
			defer wg.Done()
			err := c.withConn(ctx, server, func(cn *conn.Connection) error {
				return fn(cn, server, groupKeys)
			})
			if err != nil {
				c.log.WithError(err).WithField("server", server).Debug("multi-op group failed")
			}
		}(server, groupKeys)
	}
	wg.Wait()
}
