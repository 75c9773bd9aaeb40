package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/lbsync"
	"github.com/unkn0wn-root/lbsync/internal/log"
	"github.com/unkn0wn-root/lbsync/radio"
	"github.com/unkn0wn-root/lbsync/store"
	"github.com/unkn0wn-root/lbsync/timesync"
)

const shutdownTimeout = 3 * time.Second

// Serve runs the engine and its auxiliary services until a signal arrives
// or one of them fails.
func Serve(ctx context.Context, conf lbsync.Config, logger log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conf.FillDefaults()
	if err := conf.Validate(); err != nil {
		return err
	}

	t, err := radio.Open(conf.Port)
	if err != nil {
		return fmt.Errorf("opening %s: %w", conf.Port, err)
	}

	var st store.Store
	switch {
	case conf.Monitor:
	case conf.Store.BoltPath != "":
		bs, err := store.OpenBolt(conf.Store.BoltPath)
		if err != nil {
			t.Close()
			return err
		}
		defer bs.Close()
		st = bs
	default:
		st = store.NewHTTPStore(conf.Store.Addr, conf.Store.Credential, nil)
	}

	eng, err := lbsync.New(conf, lbsync.Options{
		Store:     st,
		Transport: t,
		Logger:    logger,
		Metrics:   lbsync.PrometheusMetrics("lbsync"),
	})
	if err != nil {
		t.Close()
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })

	if !conf.Status.NoHTTPD {
		srv := &http.Server{
			Addr:              conf.Status.HTTPAddr,
			Handler:           lbsync.StatusHandler(eng),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server listening", "addr", conf.Status.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if conf.Time.UDP {
		svc, err := timesync.Listen(conf.Time.Listen, eng.Clock(), conf.Time.Broadcast,
			conf.Time.Interval, logger.With("module", "timesync"))
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("time sync: %w", err)
		}
		defer svc.Close()
		g.Go(func() error { return svc.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("stopped", "status", eng.Status().Counters)
	return err
}
