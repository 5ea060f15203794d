// Command memcached-cli is a thin demonstration client over the memcached
// package: it fans a batch of sets across the configured servers, reads a
// few of them back, and deletes one key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/outpostcache/memcached"
)

func main() {
	servers := flag.String("servers", "127.0.0.1:11211", "comma-separated host:port server list")
	count := flag.Int("count", 50, "number of keys to set")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg := memcached.DefaultCacheConfig(memcached.ParseServerList(*servers)...)
	cache, err := memcached.NewCache(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to construct cache")
	}
	defer cache.Shutdown()

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i)
			value := []byte(fmt.Sprintf("value-%d", i))
			if !cache.Set(ctx, key, value, 0, 0) {
				log.WithField("key", key).Warn("set failed")
			}
		}(i)
	}
	wg.Wait()

	if ok := cache.Delete(ctx, "a"); !ok {
		log.Warn("delete of \"a\" failed")
	}

	sample := make([]string, 0, 10)
	for i := 0; i < 10 && i < *count; i++ {
		sample = append(sample, strconv.Itoa(i))
	}
	results := cache.GetMulti(ctx, sample)
	for _, key := range sample {
		value, ok := results[key]
		if !ok {
			log.WithField("key", key).Warn("getMulti miss")
			continue
		}
		fmt.Printf("%s = %s\n", key, value)
	}

	if len(sample) > 0 {
		if version, ok := cache.Version(ctx, sample[0]); ok {
			fmt.Println("server version:", version)
		}
	}

	os.Exit(0)
}
