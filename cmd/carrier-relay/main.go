// Carrier relay — CLI entry point.
//
// The relay carries sealed control datagrams between carrier nodes and
// reports their presence to one another. Session traffic never passes
// through it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/node"
	"github.com/1ureka/1ureka.net.carrier/internal/relay"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	listen := flag.StringP("listen", "l", ":33445", "Address to listen on")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := util.SetLevel(*logLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Carrier relay — v%s", node.Version()))
	pterm.Println()

	srv, err := relay.NewServer()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	addr, err := srv.Start(*listen)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogSuccess("relay listening on ws://%s%s (metrics on /metrics)", addr, relay.Path)

	metrics.StartStatsReporter(ctx, 10*time.Second)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			util.LogInfo("%d node(s) attached", srv.Peers())
		case <-ctx.Done():
			if err := srv.Close(); err != nil {
				util.LogWarning("close relay: %v", err)
			}
			util.LogInfo("relay stopped")
			return
		}
	}
}
