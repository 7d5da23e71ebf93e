// hsabench drives the allocator through the classic churn scenarios: an
// allocate/free loop fanned out over -workers goroutines (-workers=1 is
// the single-thread case) plus an optional large-object pass, then dumps
// the pipeline counters.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/hsalloc"
	"github.com/nmxmxh/hsalloc/utils"
)

func main() {
	workers := flag.Int("workers", 4, "number of concurrent workers")
	iters := flag.Int("iters", 100000, "allocate/free pairs per worker")
	size := flag.Int("size", 64, "object size in bytes")
	large := flag.Bool("large", false, "also run the large-object scenario")
	flag.Parse()

	log := utils.DefaultLogger("hsabench")
	a := hsalloc.New(hsalloc.Options{Logger: log})

	log.Info("starting churn",
		utils.Int("workers", *workers),
		utils.Int("iters", *iters),
		utils.Int("size", *size))

	start := time.Now()
	g := new(errgroup.Group)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			tc := a.NewThreadCache()
			for i := 0; i < *iters; i++ {
				p, err := tc.Allocate(uintptr(*size))
				if err != nil {
					return err
				}
				// Touch the object so the page is really ours.
				*(*byte)(unsafe.Pointer(p)) = byte(i)
				tc.Free(p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("churn failed", utils.Err(err))
	}
	elapsed := time.Since(start)

	pairs := *workers * *iters
	log.Info("churn done",
		utils.Duration("elapsed", elapsed),
		utils.Float64("pairs_per_sec", float64(pairs)/elapsed.Seconds()))

	if *large {
		tc := a.NewThreadCache()
		p, err := tc.Allocate(4096)
		if err != nil {
			log.Fatal("large allocation failed", utils.Err(err))
		}
		*(*byte)(unsafe.Pointer(p)) = 0xAB
		tc.Free(p)
		log.Info("large-object scenario done")
	}

	st := a.GetStats()
	log.Info("central cache",
		utils.Uint64("pages_acquired", st.Central.PagesAcquired),
		utils.Uint64("bulk_fetches", st.Central.BulkFetches))
	for i, n := range st.Central.SlabsBuilt {
		if n > 0 {
			log.Info("size class",
				utils.Int("idx", i),
				utils.Int("slot_size", 32<<i),
				utils.Uint64("slabs_built", n))
		}
	}
	log.Info("quarantine",
		utils.Uint64("bytes_resident", st.Quarantine.BytesResident),
		utils.Uint64("batches_pushed", st.Quarantine.BatchesPushed),
		utils.Uint64("purge_cycles", st.Quarantine.PurgeCycles),
		utils.Uint64("leaked", st.Quarantine.Leaked))

	fmt.Fprintln(os.Stdout, "ok")
}
