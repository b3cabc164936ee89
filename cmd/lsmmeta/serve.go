// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/lsmmeta"
	"github.com/cockroachdb/lsmmeta/internal/zkstore"
	"github.com/cockroachdb/lsmmeta/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveConfig struct {
	configPath string
	addr       string
	zkServers  string
	zkPath     string
	verbose    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the coordinator",
	Long: `
Run the coordinator and serve it over HTTP. Settings not given on the command
line are read from --config; a missing config file means defaults.
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig.configPath, "config", "lsmmeta.yaml", "config file")
	serveCmd.Flags().StringVar(&serveConfig.addr, "addr", "", "listen address (overrides the config)")
	serveCmd.Flags().StringVar(&serveConfig.zkServers, "zk", "",
		"comma-separated ZooKeeper servers holding the object id watermark (overrides the config)")
	serveCmd.Flags().StringVar(&serveConfig.zkPath, "zk-path", "", "znode holding the object id watermark")
	serveCmd.Flags().BoolVarP(&serveConfig.verbose, "verbose", "v", false, "log every coordinator event")
}

func loadConfig() (*lsmmeta.Config, error) {
	cfg, err := lsmmeta.LoadConfig(serveConfig.configPath)
	if err != nil {
		if !oserror.IsNotExist(err) {
			return nil, err
		}
		cfg = &lsmmeta.Config{}
	}
	if serveConfig.addr != "" {
		cfg.Addr = serveConfig.addr
	}
	if cfg.Addr == "" {
		cfg.Addr = ":7070"
	}
	if serveConfig.zkServers != "" {
		cfg.ZooKeeper.Servers = strings.Split(serveConfig.zkServers, ",")
	}
	if serveConfig.zkPath != "" {
		cfg.ZooKeeper.Path = serveConfig.zkPath
	}
	if cfg.ZooKeeper.Path == "" {
		cfg.ZooKeeper.Path = "/lsmmeta/object_id"
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Logger = lsmmeta.DefaultLogger{}
	if !serveConfig.verbose {
		// Only background errors and disconnects are worth logging by
		// default.
		opts.EventListener = &lsmmeta.EventListener{
			BackgroundError: func(err error) {
				opts.Logger.Errorf("background error: %v", err)
			},
			WorkerDisconnected: func(info lsmmeta.WorkerDisconnectInfo) {
				opts.Logger.Infof("%s", info)
			},
		}
	}

	if len(cfg.ZooKeeper.Servers) > 0 {
		timeout, err := cfg.ZooKeeper.ZooKeeperSessionTimeout(5 * time.Second)
		if err != nil {
			return err
		}
		store, err := zkstore.Dial(ctx, zkstore.Options{
			Servers:        cfg.ZooKeeper.Servers,
			Path:           cfg.ZooKeeper.Path,
			SessionTimeout: timeout,
		})
		if err != nil {
			return errors.Wrap(err, "connecting to ZooKeeper")
		}
		defer store.Close()
		opts.ObjectIDStore = store
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.MetricsRegisterer = reg

	c, err := lsmmeta.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.Addr)
	}
	srv := rpc.NewServer(c, rpc.ServerOptions{Logger: opts.Logger, Gatherer: reg})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	opts.Logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
