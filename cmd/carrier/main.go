// Carrier — CLI entry point.
//
// This tool runs a carrier node. As host it befriends whoever asks and
// exposes a local TCP service to its friends' sessions; as client it befriends
// a host by address and forwards a local port to that service over a
// peer-to-peer session.
//
// It can be launched interactively (no role) or non-interactively via flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/1ureka.net.carrier/internal/config"
	"github.com/1ureka/1ureka.net.carrier/internal/ids"
	"github.com/1ureka/1ureka.net.carrier/internal/metrics"
	"github.com/1ureka/1ureka.net.carrier/internal/node"
	"github.com/1ureka/1ureka.net.carrier/internal/util"
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.StringP("config", "c", "", "YAML configuration file")
	dataDir := flag.String("data", "", "Persistent location (overrides the config file)")
	relayURL := flag.String("relay", "", "Relay URL, e.g. ws://127.0.0.1:33445/relay")
	role := flag.String("role", "", "Role: host, client or address")
	service := flag.String("service", "tcp", "Service name exposed by the host")
	port := flag.Int("port", 0, "Target port (host) or local listen port (client), 1~65535")
	peer := flag.String("peer", "", "Host address to befriend (client only)")
	acceptAll := flag.Bool("accept-all", false, "Accept every friend request without asking (host only)")
	noUDP := flag.Bool("no-udp", false, "Use TCP ICE candidates only")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.PersistentLocation = *dataDir
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *noUDP {
		cfg.UDPEnabled = false
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := util.SetLevel(cfg.LogLevel); err != nil {
		util.LogWarning("%v", err)
	}
	if *debugMode {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Carrier — v%s", node.Version()))
	pterm.Println()

	n, err := node.New(cfg)
	if err != nil {
		util.LogError("failed to initialize node: %v", err)
		os.Exit(1)
	}
	serveMetrics(ctx, cfg.MetricsAddr)

	switch *role {
	case "":
		err = runInteractive(ctx, n, *service)

	case "address":
		pterm.Println(n.Address().String())
		err = n.Stop()

	case "host":
		if !validPort(*port) {
			util.LogError("invalid or missing --port (must be 1~65535)")
			os.Exit(1)
		}
		err = runHost(ctx, n, *service, *port, *acceptAll)

	case "client":
		if !validPort(*port) {
			util.LogError("invalid or missing --port (must be 1~65535)")
			os.Exit(1)
		}
		if !ids.IsValidAddress(*peer) {
			util.LogError("invalid or missing --peer address")
			os.Exit(1)
		}
		err = runClient(ctx, n, *peer, *service, *port)

	default:
		util.LogError("invalid --role: must be 'host', 'client' or 'address'")
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("node stopped")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its parameters when no --role flag is
// provided.
func runInteractive(ctx context.Context, n *node.Node, service string) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		port := askPort("Target port to forward (1 ~ 65535)")
		return runHost(ctx, n, service, port, false)
	}
	addr := askAddress()
	port := askPort("Local port for virtual service (1 ~ 65535)")
	return runClient(ctx, n, addr, service, port)
}

// runHost executes the host side: it keeps the node online and serves the
// target port to every friend that opens a session.
func runHost(ctx context.Context, n *node.Node, service string, port int, acceptAll bool) error {
	events, cancel := n.Subscribe()
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("Share this address").Println(n.Address().String())
	metrics.StartStatsReporter(ctx, time.Second)

	h := &host{
		node:    n,
		service: service,
		target:  port,
		accept:  acceptAll,
	}
	h.serve(ctx, events)
	return n.Stop()
}

// runClient executes the client side: it befriends the host, negotiates a
// port forwarding session and keeps it up until interrupted.
func runClient(ctx context.Context, n *node.Node, addr, service string, port int) error {
	events, cancel := n.Subscribe()
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return err
	}

	c := &client{
		node:    n,
		service: service,
		local:   port,
	}
	err := c.run(ctx, events, addr)
	return errors.Join(err, n.Stop())
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// serveMetrics exposes the Prometheus registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	util.LogInfo("metrics on http://%s/metrics", addr)
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && validPort(port) {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askAddress prompts the user for a carrier address until a valid one is
// entered.
func askAddress() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host address").
			Show()

		addr := strings.TrimSpace(raw)
		if ids.IsValidAddress(addr) {
			pterm.Println()
			return addr
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a carrier address")
	}
}
