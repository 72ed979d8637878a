package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wingmanux/tunnelrelay/internal/config"
	"github.com/wingmanux/tunnelrelay/internal/relay"
	"github.com/wingmanux/tunnelrelay/pkg/daemon"
	"github.com/wingmanux/tunnelrelay/pkg/logging"
	"github.com/wingmanux/tunnelrelay/pkg/must"
	"github.com/wingmanux/tunnelrelay/pkg/profile"
)

var serveConfiguration struct {
	configPath       string
	tunnelBaseDomain string
	listenAddress    string
	localFastPath    bool
	controlPlaneHost string
	profileName      string
	logLevel         string
}

func newServeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon in the foreground",
		RunE:  runServe,
	}

	flags := command.Flags()
	flags.StringVar(&serveConfiguration.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&serveConfiguration.tunnelBaseDomain, "tunnel-base-domain", "", "Base domain under which session subdomains are routed")
	flags.StringVar(&serveConfiguration.listenAddress, "listen-address", "", "Address the public listener binds to")
	flags.BoolVar(&serveConfiguration.localFastPath, "local-fast-path", false, "Forward tunnel traffic directly to localhost, bypassing the broker")
	flags.StringVar(&serveConfiguration.controlPlaneHost, "control-plane-host", "127.0.0.1:8080", "Host header that routes a request to the control-plane API instead of the Ingress Router")
	flags.StringVar(&serveConfiguration.profileName, "profile", "", "Write CPU and heap profiles with this name prefix on exit")
	flags.StringVar(&serveConfiguration.logLevel, "log-level", "info", "Logging verbosity: disabled, error, warn, info, debug, or trace")

	return command
}

func runServe(cmd *cobra.Command, args []string) error {
	level, ok := logging.NameToLevel(serveConfiguration.logLevel)
	if !ok {
		return fmt.Errorf("invalid --log-level %q", serveConfiguration.logLevel)
	}
	logging.SetLevel(level)

	logger := logging.RootLogger.Sublogger("serve")

	cfg, err := config.Load(serveConfiguration.configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}

	lock, err := daemon.AcquireLock(logger.Sublogger("daemon"))
	if err != nil {
		return fmt.Errorf("unable to acquire daemon lock (is another instance running?): %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn(err)
		}
	}()

	if serveConfiguration.profileName != "" {
		prof, err := profile.New(serveConfiguration.profileName)
		if err != nil {
			return fmt.Errorf("unable to start profiling: %w", err)
		}
		defer func() {
			if err := prof.Finalize(); err != nil {
				logger.Warn(err)
			}
		}()
	}

	r := relay.New(cfg, logger.Sublogger("relay"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Directory.RunSweeper(ctx, cfg.ExpirySweepInterval)

	ipcListener, err := daemon.NewListener()
	if err != nil {
		return fmt.Errorf("unable to create daemon IPC listener: %w", err)
	}
	ipcHandler := r.ServeHTTP(serveConfiguration.controlPlaneHost)
	ipcServer := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Every IPC request is a control-plane request, whatever Host the
		// client put on it.
		req.Host = serveConfiguration.controlPlaneHost
		ipcHandler.ServeHTTP(w, req)
	})}
	go must.Serve(ipcServer, ipcListener, logger.Sublogger("ipc"))

	publicListener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("unable to bind public listener: %w", err)
	}
	publicServer := &http.Server{Handler: r.ServeHTTP(serveConfiguration.controlPlaneHost)}
	go must.Serve(publicServer, publicListener, logger.Sublogger("public"))

	logger.Infof("relay listening on %s for %s (link queue capacity %s)", cfg.ListenAddress, cfg.TunnelBaseDomain, humanize.Bytes(uint64(cfg.LinkOutgoingQueueBytes)))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	cancel()
	publicServer.Close()
	ipcServer.Close()

	return nil
}
