// Command bufcachedemo wires a Cache to an in-memory serializer and runs a
// write transaction end to end, then shuts the cache down, the way the teacher's own main.go
// wires a BufferPoolManager into server/net -- just without the network
// server, since the query/FSM and transport layers are out of this
// module's scope (spec.md §1).
package main

import (
	"flag"
	"fmt"

	"github.com/a10y/bufcache/cache"
	"github.com/a10y/bufcache/logger"
	"github.com/a10y/bufcache/scheduler"
	"github.com/a10y/bufcache/serializer"
)

const help = `
bufcachedemo: exercises the mirrored buffer cache against an in-memory
serializer.

Flags:
  -logLevel string   logrus level (debug, info, warn, error)
`

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "logLevel", "info", "log level")
	flag.Parse()

	if err := logger.Configure(logger.Config{Level: logLevel}); err != nil {
		fmt.Print(help)
		panic(err)
	}

	sched := scheduler.New()
	defer sched.Stop()

	serial := serializer.NewMemSerializer(4096)

	c := cache.New(cache.Config{
		BlockSize:             4096,
		MaxSizeBytes:          4096 * 64,
		WaitForFlush:          true,
		FlushTimerMs:          250,
		FlushThresholdPercent: 50,
	}, serial, sched)
	c.Start()

	done := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		if err != nil {
			panic(err)
		}
		copy(blk.Ptr(), []byte("hello, bufcache"))
		blk.SetDirty()
		blk.Release(txn)

		txn.Commit(func(err error) {
			if err != nil {
				panic(err)
			}
			fmt.Println("commit durable")
			close(done)
		})
	})
	<-done

	shutdownDone := make(chan struct{})
	c.Shutdown(func() { close(shutdownDone) })
	<-shutdownDone

	fmt.Printf("stats: %+v\n", c.Stats())
}
