package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/run2c/vnet/config"
	"github.com/run2c/vnet/diag"
	"github.com/run2c/vnet/internal/logging"
	"github.com/run2c/vnet/metrics"
	"github.com/run2c/vnet/qp"
	"github.com/run2c/vnet/vhostnet"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// daemon owns one running vhost-net device plus its background goroutines,
// mirroring the lifecycle shape of the reference daemon in this lineage:
// a non-blocking Start, a Stop that tears everything down in order, and a
// ShutdownBlock that turns SIGTERM/SIGINT into a call to Stop.
type daemon struct {
	l   *logrus.Logger
	c   *config.C
	dev *vhostnet.Device

	metricsSrv *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group
	waited chan struct{}
}

func newDaemon(configPath, tapOverride string, ringSizeOverride int) (*daemon, error) {
	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(configPath); err != nil {
		return nil, err
	}
	if err := logging.Configure(l, c); err != nil {
		return nil, err
	}

	dev, err := buildDevice(l, c, tapOverride, ringSizeOverride)
	if err != nil {
		return nil, err
	}

	d := &daemon{l: l, c: c, dev: dev}
	registerReloadGuard(c, l)

	if addr := c.GetString("metrics.listen", ""); addr != "" {
		reg := prometheus.NewRegistry()
		metrics.MustRegister(reg)
		d.metricsSrv = &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	}

	return d, nil
}

// Start runs the device's refill loop (plus its completion loops in
// interrupt mode) and, if configured, the metrics HTTP server, all in the
// background. It does not block.
func (d *daemon) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	d.group = g

	g.Go(func() error { return d.dev.Start(gctx) })

	if d.metricsSrv != nil {
		g.Go(func() error {
			d.l.WithField("addr", d.metricsSrv.Addr).Info("serving metrics")
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		go func() {
			<-gctx.Done()
			_ = d.metricsSrv.Close()
		}()
	}

	d.c.CatchHUP(ctx)

	d.waited = make(chan struct{})
	go func() {
		defer close(d.waited)
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			d.l.WithError(err).Error("device run loop exited with error")
		}
	}()
}

// Stop cancels the running daemon and waits for its drain (§5: a shutdown
// must let do_complete finish before tearing anything down, which is
// exactly what letting the errgroup's goroutines return on their own
// achieves) before closing the device.
func (d *daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.waited != nil {
		<-d.waited
	}
	if err := d.dev.Close(); err != nil {
		d.l.WithError(err).Error("error while closing device")
	}
	d.l.Info("Goodbye")
}

// ShutdownBlock listens for SIGTERM/SIGINT and calls Stop once signalled.
func (d *daemon) ShutdownBlock() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.l.WithField("signal", sig.String()).Info("caught signal, shutting down")
	d.Stop()
}

// buildDevice translates config into vhostnet.Options and constructs the
// device. CLI overrides win over config values, matching the precedence
// spec §10.3 assigns to the options layer underneath config.
func buildDevice(l *logrus.Logger, c *config.C, tapOverride string, ringSizeOverride int) (*vhostnet.Device, error) {
	tap := c.GetString("vnet.tap", "")
	if tapOverride != "" {
		tap = tapOverride
	}

	ringSize := c.GetInt("vnet.ring_size", 256)
	if ringSizeOverride != 0 {
		ringSize = ringSizeOverride
	}

	rxCollector := metrics.NewCollector(metrics.QueueRx)
	txCollector := metrics.NewCollector(metrics.QueueTx)

	recorder := diag.NewRecorder(c.GetInt("diag.recent_packets", 64))
	deliver := func(p *qp.Packet) {
		defer p.Release()
		frame := p.Bytes()
		diag.LogFrame(l, diag.DirectionRx, frame)
		recorder.Record(diag.DirectionRx, frame)
	}

	mtu := c.GetInt("vnet.mtu", 1500)

	return vhostnet.NewDevice(l, mtu, deliver,
		vhostnet.WithTapDevice(tap),
		vhostnet.WithRingSize(ringSize),
		vhostnet.WithEventIndex(c.GetBool("vnet.event_idx", true)),
		vhostnet.WithChecksumOffload(c.GetBool("vnet.csum", true)),
		vhostnet.WithTSO(c.GetBool("vnet.tso", true)),
		vhostnet.WithUFO(c.GetBool("vnet.ufo", true)),
		vhostnet.WithPollMode(c.GetBool("vnet.poll_mode", false)),
		vhostnet.WithMetrics(rxCollector, txCollector),
	)
}

// registerReloadGuard wires a reload callback that only ever acts on the
// logging.* settings, per §11: ring geometry and feature negotiation are
// construction-time-only, so a ring-affecting change is logged and ignored
// rather than applied.
func registerReloadGuard(c *config.C, l *logrus.Logger) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("logging") {
			if err := logging.Configure(l, c); err != nil {
				l.WithError(err).Warn("failed to apply reloaded logging config")
			} else {
				l.Info("applied reloaded logging config")
			}
		}
		if c.HasChanged("vnet") {
			l.Warn("vnet.* settings changed on reload; ring geometry and feature negotiation are construction-time-only, ignoring")
		}
	})
}
