package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v2"
	"github.com/zhiqiangxu/qmem"
	"github.com/zhiqiangxu/util"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Usage:     "Concurrency stress driver for qmem quotas",
		UsageText: "qmemstress [-q quotas] [-o owners] [-d duration]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "quotas", Aliases: []string{"q"}, Value: 2, Usage: "number of quotas"},
			&cli.IntFlag{Name: "owners", Aliases: []string{"o"}, Value: 4, Usage: "number of owners"},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Value: 10 * time.Second, Usage: "how long to run"},
			&cli.IntFlag{Name: "sweep-rate", Value: 0, Usage: "max reclamation sweeps per second, 0 for no cap"},
		},
		Action: func(c *cli.Context) error {
			st := newStressTest(c.Int("quotas"), c.Int("owners"), c.Int("sweep-rate"))
			defer st.close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("duration"))
			defer cancel()

			var g run.Group
			g.Add(func() error {
				st.run(ctx)
				return nil
			}, func(error) {
				cancel()
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			g.Add(func() error {
				select {
				case sig := <-sigCh:
					return fmt.Errorf("got signal %v", sig)
				case <-ctx.Done():
					return nil
				}
			}, func(error) {
				cancel()
			})

			err := g.Run()
			st.report()
			return err
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		qmem.Logger().Error("qmemstress", zap.Error(err))
		os.Exit(1)
	}
}

// stressTest mirrors the shape of a production incident: owners allocating
// flat out against undersized quotas while rebinders and resizers churn the
// topology, reclaimers being the only relief valve.
type stressTest struct {
	quotas []*qmem.MemoryQuota
	owners []*ownerState
}

type ownerState struct {
	owner *qmem.MemoryOwner

	mu           sync.Mutex
	reservations []*qmem.Reservation

	grants   int64
	reclaims int64
}

func newStressTest(numQuotas, numOwners, sweepRate int) *stressTest {
	st := &stressTest{}
	for i := 0; i < numQuotas; i++ {
		st.quotas = append(st.quotas, qmem.NewMemoryQuota(qmem.QuotaConfig{
			Name:      fmt.Sprintf("stress-%d", i),
			Size:      64 * 1024 * 1024,
			SweepRate: sweepRate,
		}))
	}
	for i := 0; i < numOwners; i++ {
		q := st.quotas[rand.Intn(len(st.quotas))]
		st.owners = append(st.owners, &ownerState{owner: q.CreateOwner()})
	}
	return st
}

func (st *stressTest) run(ctx context.Context) {
	var wg sync.WaitGroup

	// A couple of goroutines constantly rebinding owners across quotas, and
	// a couple constantly resizing quotas.
	for i := 0; i < 2; i++ {
		util.GoFunc(&wg, func() {
			for ctx.Err() == nil {
				ow := st.owners[rand.Intn(len(st.owners))]
				ow.owner.Rebind(st.quotas[rand.Intn(len(st.quotas))])
			}
		})
		util.GoFunc(&wg, func() {
			for ctx.Err() == nil {
				q := st.quotas[rand.Intn(len(st.quotas))]
				q.SetSize(uint64(1024*1024 + rand.Intn(256*1024*1024)))
			}
		})
	}

	// For each (owner, pass), allocate continuously and keep a reclaimer of
	// that pass posted; the reclaimer drops everything the owner holds.
	for _, ow := range st.owners {
		ow := ow
		for _, pass := range []qmem.ReclamationPass{
			qmem.ReclamationBenign, qmem.ReclamationIdle, qmem.ReclamationDestructive,
		} {
			pass := pass
			util.GoFunc(&wg, func() {
				for ctx.Err() == nil {
					n := uint64(1 + rand.Intn(4*1024*1024))
					res := ow.owner.MakeReservation(n, n)
					ow.remember(res)
					ow.owner.PostReclaimer(pass, func(*qmem.ReclamationSweep) {
						ow.dropAll()
					})
				}
			})
		}
	}

	wg.Wait()
}

func (ow *ownerState) remember(res *qmem.Reservation) {
	ow.mu.Lock()
	ow.reservations = append(ow.reservations, res)
	ow.grants++
	ow.mu.Unlock()
}

func (ow *ownerState) dropAll() {
	ow.mu.Lock()
	reservations := ow.reservations
	ow.reservations = nil
	ow.reclaims++
	ow.mu.Unlock()

	for _, res := range reservations {
		res.Release()
	}
}

func (st *stressTest) close() {
	for _, ow := range st.owners {
		ow.dropAll()
	}
	for _, q := range st.quotas {
		q.Close()
	}
}

func (st *stressTest) report() {
	for i, q := range st.quotas {
		qmem.Logger().Info(
			"quota",
			zap.Int("idx", i),
			zap.Uint64("size", q.Size()),
			zap.Uint64("used", q.Used()),
			zap.Float64("pressure", q.InstantaneousPressure()))
	}
	for i, ow := range st.owners {
		ow.mu.Lock()
		qmem.Logger().Info(
			"owner",
			zap.Int("idx", i),
			zap.Int64("grants", ow.grants),
			zap.Int64("reclaims", ow.reclaims),
			zap.Uint64("reserved", ow.owner.Reserved()))
		ow.mu.Unlock()
	}
}
