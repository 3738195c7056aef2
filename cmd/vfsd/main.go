// vfsd serves the virtual filesystem over HTTP.
//
// Configuration comes from BEAVER_VFS_* environment variables (see vfs.Config);
// flags override the most common ones. Routes:
//
//	/vfs/<operation>  filesystem operations
//	/vfs/watch        websocket stream of change notifications
//	/metrics          Prometheus metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/gobeaver/vfs"
	_ "github.com/gobeaver/vfs/adapter/bolt"
	_ "github.com/gobeaver/vfs/adapter/memory"
	_ "github.com/gobeaver/vfs/adapter/s3"
	_ "github.com/gobeaver/vfs/adapter/sftp"
	_ "github.com/gobeaver/vfs/adapter/system"
	"github.com/gobeaver/vfs/httpapi"
	"github.com/gobeaver/vfs/notify"
)

var log = logging.Logger("vfsd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		prefix    string
		mountFile string
		watch     bool
		dev       bool
	)

	flagSet := pflag.NewFlagSet("vfsd", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", ":8000", "HTTP listen address")
	flagSet.StringVar(&prefix, "env-prefix", "", "environment variable prefix (default BEAVER_)")
	flagSet.StringVar(&mountFile, "mount-file", "", "YAML mountpoint file (overrides VFS_MOUNT_FILE)")
	flagSet.BoolVar(&watch, "watch", false, "enable change notifications (overrides VFS_WATCH)")
	flagSet.BoolVar(&dev, "dev", false, "development mode: error responses carry stacks")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: vfsd [flags]")
		flagSet.SetOutput(os.Stderr)
		flagSet.PrintDefaults()
		return nil
	}

	cfg, err := vfs.LoadConfig(prefix)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagSet.Changed("mount-file") {
		cfg.MountFile = mountFile
	}
	if flagSet.Changed("watch") {
		cfg.Watch = watch
	}
	if flagSet.Changed("dev") {
		cfg.Development = dev
	}

	sessions := httpapi.HeaderSessions{}
	hub := notify.NewHub(httpapi.SessionAttrs(sessions))
	defer hub.Close()

	svc, err := vfs.New(cfg,
		vfs.WithNotifier(hub, hub),
		vfs.WithMetrics(vfs.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warnw("closing service failed", "error", err)
		}
	}()

	api, err := httpapi.FromConfig(svc, cfg, httpapi.WithSessions(sessions))
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/vfs/watch", hub).Methods(http.MethodGet)
	api.Register(router.PathPrefix("/vfs").Subrouter())

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infow("Listening", "addr", addr, "mounts", len(svc.Registry().Mountpoints()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
