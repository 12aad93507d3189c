package main

import (
	"context"
	"flag"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/manifest"
	"github.com/bobg/seqvault/remote"
	"github.com/bobg/seqvault/store/pebble"
	"github.com/bobg/seqvault/temporal"
)

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		addr    = fs.String("listen", c.r.Config.Listen, "address to listen on")
		metrics = fs.Bool("metrics", true, "serve Prometheus metrics at /metrics")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *addr == "" {
		*addr = ":8080"
	}

	var extra []func(*http.ServeMux)
	if *metrics {
		reg, err := c.registry()
		if err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		extra = append(extra, func(mux *http.ServeMux) {
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		})
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", *addr)
	}
	defer lis.Close()

	c.logger.Info("serving", zap.Stringer("addr", lis.Addr()), zap.String("db", c.r.Config.DB))

	srv := remote.NewServer(c.r.Canon, remote.WithServerLogger(c.logger))
	return srv.Run(ctx, lis, extra...)
}

func (c maincmd) registry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	var cs []prometheus.Collector
	cs = append(cs, canonical.Collectors()...)
	cs = append(cs, chunk.Collectors()...)
	cs = append(cs, manifest.Collectors()...)
	cs = append(cs, temporal.Collectors()...)
	cs = append(cs, remote.Collectors()...)

	// Pebble collectors share unlabeled metric names, so register at most one.
	for _, s := range []seqvault.Store{c.r.Meta, c.r.Seqs} {
		if ps, ok := s.(*pebble.Store); ok {
			cs = append(cs, ps.Collector())
			break
		}
	}

	for _, coll := range cs {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
