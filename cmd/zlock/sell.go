package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-zlock/v1/lock"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
)

var sellCmd = &cobra.Command{
	Use:   "sell",
	Short: "sell tickets from concurrent sellers guarded by one lock",
	Long: `Each seller opens its own session and repeatedly takes the lock to sell
the next ticket. The run fails if any ticket is sold twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if viper.GetBool("trace") {
			shutdown, err := setupTracing()
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()
		}
		b, err := openBackend(loadConfig(), slog.Default())
		if err != nil {
			return err
		}
		defer b.Close()

		reg := newRegistry()
		if addr := viper.GetString("listen"); addr != "" {
			viewer, err := b.connect(ctx)
			if err != nil {
				return err
			}
			defer viewer.Close()
			srv := &http.Server{Addr: addr, Handler: newMux(viewer, reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("zlock: http server failed", "addr", addr, "err", err)
				}
			}()
			defer srv.Close()
		}

		res, err := sell(ctx, b, sellOptions{
			Mode:    viper.GetString("mode"),
			Path:    viper.GetString("path"),
			Sellers: viper.GetInt("sellers"),
			Tickets: viper.GetInt("tickets"),
			Hold:    viper.GetDuration("hold"),
			Tracing: viper.GetBool("trace"),
		})
		if err != nil {
			return err
		}
		res.print(cmd)
		return nil
	},
}

func init() {
	f := sellCmd.Flags()
	f.String("mode", "fair", "lock variant: fair or unfair")
	f.String("path", "/zlock/tickets", "lock path")
	f.Int("sellers", 3, "number of concurrent sellers")
	f.Int("tickets", 100, "number of tickets to sell")
	f.Duration("hold", 0, "time each seller keeps the lock per sale")
	f.String("listen", "", "serve inspection and /metrics on this address while selling")
}

type sellOptions struct {
	Mode    string
	Path    string
	Sellers int
	Tickets int
	Hold    time.Duration
	Tracing bool
}

type sellResult struct {
	// BySeller counts the tickets each seller sold.
	BySeller map[int]int
	Elapsed  time.Duration
}

func (r sellResult) print(cmd *cobra.Command) {
	ids := make([]int, 0, len(r.BySeller))
	total := 0
	for id, n := range r.BySeller {
		ids = append(ids, id)
		total += n
	}
	sort.Ints(ids)
	for _, id := range ids {
		cmd.Printf("seller %d sold %d tickets\n", id, r.BySeller[id])
	}
	cmd.Printf("%d tickets sold in %s\n", total, r.Elapsed.Round(time.Millisecond))
}

// sell runs the sellers and checks every ticket was sold exactly once.
func sell(ctx context.Context, b *backend, opts sellOptions) (sellResult, error) {
	if opts.Sellers <= 0 || opts.Tickets < 0 {
		return sellResult{}, fmt.Errorf("need at least one seller and a non-negative ticket count")
	}
	var lockOpts []lock.Option
	if opts.Tracing {
		lockOpts = append(lockOpts, lock.WithTracing())
	}

	lockers := make([]lock.Locker, 0, opts.Sellers)
	for id := 1; id <= opts.Sellers; id++ {
		s, err := b.connect(ctx)
		if err != nil {
			return sellResult{}, fmt.Errorf("seller %d: %w", id, err)
		}
		defer s.Close()
		switch opts.Mode {
		case "fair":
			lockers = append(lockers, lock.NewFair(s, opts.Path, lockOpts...))
		case "unfair":
			lockers = append(lockers, lock.NewUnfair(s, opts.Path, lockOpts...))
		default:
			return sellResult{}, fmt.Errorf("unknown mode %q", opts.Mode)
		}
	}

	start := time.Now()
	counter, err := runSellers(ctx, lockers, opts.Tickets, opts.Hold)
	if err != nil {
		return sellResult{}, err
	}
	return sellResult{BySeller: counter, Elapsed: time.Since(start)}, nil
}

// runSellers sells tickets with one goroutine per locker. The stock is
// read, then written back after a pause, so only the lock keeps two
// sellers from selling the same ticket. mu guards the bookkeeping alone.
func runSellers(ctx context.Context, lockers []lock.Locker, tickets int, hold time.Duration) (map[int]int, error) {
	var (
		left    atomic.Int64
		inside  atomic.Int32
		mu      sync.Mutex
		soldBy  = make(map[int]int, tickets)
		counter = make(map[int]int, len(lockers))
	)
	left.Store(int64(tickets))

	g, ctx := errgroup.WithContext(ctx)
	for i, l := range lockers {
		l := l
		id := i + 1
		g.Go(func() error {
			for {
				if err := l.Lock(ctx); err != nil {
					return fmt.Errorf("seller %d: %w", id, err)
				}
				if n := inside.Add(1); n != 1 {
					return fmt.Errorf("seller %d entered the critical section with %d others", id, n-1)
				}
				ticket := int(left.Load())
				if ticket > 0 {
					if hold > 0 {
						time.Sleep(hold)
					} else {
						runtime.Gosched()
					}
					mu.Lock()
					prev, dup := soldBy[ticket]
					soldBy[ticket] = id
					counter[id]++
					mu.Unlock()
					if dup {
						return fmt.Errorf("ticket %d sold by seller %d and seller %d", ticket, prev, id)
					}
					left.Store(int64(ticket - 1))
				}
				inside.Add(-1)
				if err := l.Unlock(ctx); err != nil {
					return fmt.Errorf("seller %d: %w", id, err)
				}
				if ticket == 0 {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(soldBy) != tickets {
		return nil, fmt.Errorf("sold %d of %d tickets", len(soldBy), tickets)
	}
	return counter, nil
}

func newRegistry() *prometheus.Registry {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	return reg
}
