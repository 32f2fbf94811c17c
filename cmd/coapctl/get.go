package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coalalib/coapcore"
	"github.com/coalalib/coapcore/config"
	"github.com/coalalib/coapcore/server"
)

// splitTarget parses host:port/path, defaulting the port to 5683.
func splitTarget(target string) (host, path string) {
	target = strings.TrimPrefix(target, "coap://")
	host, path, _ = strings.Cut(target, "/")
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "5683")
	}
	return host, "/" + path
}

func getCmd() *cobra.Command {
	var (
		timeout time.Duration
		observe time.Duration
	)
	cmd := &cobra.Command{
		Use:     "get <host[:port]/path>",
		Short:   "Fetch a resource, following block-wise transfers",
		Example: "  coapctl get 127.0.0.1/.well-known/core\n  coapctl get 127.0.0.1/uptime --observe 1m",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, path := splitTarget(args[0])
			addr, err := net.ResolveUDPAddr("udp", host)
			if err != nil {
				return errors.Wrap(err, "resolve")
			}

			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			conn, err := net.ListenPacket("udp", ":0")
			if err != nil {
				return errors.Wrap(err, "listen")
			}
			cli, err := server.New(conn, cfg, nil)
			if err != nil {
				conn.Close()
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- cli.Serve(ctx) }()
			defer func() {
				cancel()
				<-done
			}()

			out := cmd.OutOrStdout()
			if observe > 0 {
				_, err := cli.Observe(addr, path, func(resp *coapcore.Packet) {
					age, _ := resp.GetOptionInt(coapcore.OptionObserve)
					fmt.Fprintf(out, "[%d] %s %s\n", age, resp.Code(), resp.Payload())
				})
				if err != nil {
					return err
				}
				select {
				case <-time.After(observe):
				case <-ctx.Done():
				}
				return nil
			}

			reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
			defer reqCancel()
			resp, err := cli.Get(reqCtx, addr, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s (%s)\n%s\n", resp.Code, humanize.Bytes(uint64(len(resp.Payload))), resp.Payload)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "request timeout")
	cmd.Flags().DurationVar(&observe, "observe", 0, "observe the resource for this long")
	return cmd
}
