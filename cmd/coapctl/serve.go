package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coalalib/coapcore"
	"github.com/coalalib/coapcore/config"
	"github.com/coalalib/coapcore/server"
)

// demoResources is the resource table of `coapctl serve`: a text echo and
// an observable uptime counter.
func demoResources(srv *server.Server, started time.Time) (uptime *coapcore.Resource) {
	uptimeBody := func(p *coapcore.Packet) error {
		s := time.Since(started).Truncate(time.Second).String()
		return server.Payload(coapcore.MediaTypeTextPlain, []byte(s))(p)
	}

	echo := coapcore.NewResource("echo")
	echo.Attributes = []string{`rt="echo"`}
	echo.Post = func(_ *coapcore.Resource, req *coapcore.Packet, _ []coapcore.Option, addr net.Addr) error {
		return srv.Respond(req, addr, coapcore.CoapCodeChanged, server.Payload(coapcore.MediaTypeTextPlain, req.Payload()))
	}
	srv.AddResource(echo)

	uptime = coapcore.NewResource("uptime")
	uptime.Attributes = []string{`rt="uptime"`, "obs"}
	uptime.Get = srv.ObservableGet(uptimeBody)
	srv.AddResource(uptime)

	go func() {
		for range time.Tick(10 * time.Second) {
			if err := srv.Notify(uptime, uptimeBody); err != nil {
				log.WithError(err).Debug("notify uptime")
			}
		}
	}()
	return uptime
}

func serveCmd() *cobra.Command {
	envFile := ""
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an endpoint with /echo and /uptime",
		Long: "Run an endpoint with /echo and /uptime. Settings are read from " +
			config.EnvPrefix + "* variables, optionally loaded from an env file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("loglevel") {
				log.SetLevel(cfg.Level())
			}

			conn, err := net.ListenPacket("udp", cfg.ListenAddr)
			if err != nil {
				return errors.Wrap(err, "listen")
			}
			reg := prometheus.NewRegistry()
			srv, err := server.New(conn, cfg, reg)
			if err != nil {
				conn.Close()
				return err
			}
			demoResources(srv, time.Now())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				log.WithField("addr", conn.LocalAddr()).Info("serving coap")
				return srv.Serve(ctx)
			})
			if cfg.MetricsAddr != "" {
				hs := &http.Server{
					Addr:    cfg.MetricsAddr,
					Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				}
				g.Go(func() error {
					log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
					if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					return hs.Shutdown(context.Background())
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "env file to load")
	return cmd
}
