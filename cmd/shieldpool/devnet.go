package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/shieldpool/config"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/ledger"
	"github.com/colorfulnotion/shieldpool/pool/prover"
	"github.com/colorfulnotion/shieldpool/pool/relayer"
	"github.com/spf13/cobra"
)

// startHTTP listens before returning so address errors surface to the
// caller instead of a background goroutine.
func startHTTP(name, addr string, handler http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: listen on %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.Node, "HTTP server stopped", "server", name, "err", err)
		}
	}()
	log.Info(log.Node, "HTTP server listening", "server", name, "addr", ln.Addr().String())
	return srv, nil
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func metricsMux(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}

// devnet is an in-process ledger, prover and relay set.
type devnet struct {
	ledger  *ledger.Simulated
	relays  []*relayer.Server
	servers []*http.Server
}

func startDevnet(cfg *config.Config, confirmDelay time.Duration) (*devnet, error) {
	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}
	lcfg := ledger.DefaultConfig()
	lcfg.Height = cfg.Pool.TreeHeight
	lcfg.Fees = schedule
	lcfg.MaxNullifiers = cfg.Devnet.MaxNullifiers
	lcfg.ConfirmDelay = confirmDelay
	sim, err := ledger.NewSimulated(lcfg)
	if err != nil {
		return nil, err
	}

	d := &devnet{ledger: sim}
	srv, err := startHTTP("ledger", cfg.Devnet.LedgerAddr, ledger.NewServer(sim))
	if err != nil {
		return nil, err
	}
	d.servers = append(d.servers, srv)

	srv, err = startHTTP("prover", cfg.Devnet.ProverAddr, prover.NewServer(prover.NewMock()))
	if err != nil {
		d.stop()
		return nil, err
	}
	d.servers = append(d.servers, srv)

	for i, addr := range cfg.Devnet.RelayAddrs {
		relay := relayer.NewServer(fmt.Sprintf("relay-%d", i+1), sim)
		srv, err := startHTTP(fmt.Sprintf("relay-%d", i+1), addr, relay)
		if err != nil {
			d.stop()
			return nil, err
		}
		d.relays = append(d.relays, relay)
		d.servers = append(d.servers, srv)
	}
	return d, nil
}

func (d *devnet) stop() {
	for _, srv := range d.servers {
		shutdownHTTP(srv)
	}
}

// devnetClientConfig points a wallet at the devnet addresses in cfg.
func devnetClientConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Ledger.URL = "http://" + cfg.Devnet.LedgerAddr
	out.Prover.URL = "http://" + cfg.Devnet.ProverAddr
	out.Relayer.Endpoints = nil
	for i, addr := range cfg.Devnet.RelayAddrs {
		out.Relayer.Endpoints = append(out.Relayer.Endpoints, config.EndpointConfig{
			Name: fmt.Sprintf("relay-%d", i+1),
			URL:  "http://" + addr,
		})
	}
	return &out
}

func newDevnetCmd() *cobra.Command {
	var (
		confirmDelay time.Duration
		writeConfig  bool
	)
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run a local simulated ledger, mock prover and relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Devnet.RelayAddrs) == 0 {
				return fmt.Errorf("devnet.relay_addrs is empty")
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Starting shieldpool devnet\n")
			fmt.Fprintf(w, "  Tree Height:   %d\n", cfg.Pool.TreeHeight)
			fmt.Fprintf(w, "  Fees:          shield=%d bps priority=%d bps\n", cfg.Fees.ShieldFeeBps, cfg.Fees.PriorityFeeBps)
			fmt.Fprintf(w, "  Confirm Delay: %s\n", confirmDelay)

			d, err := startDevnet(cfg, confirmDelay)
			if err != nil {
				return err
			}
			defer d.stop()

			if writeConfig {
				client := devnetClientConfig(cfg)
				if err := client.Save(flags.configPath); err != nil {
					return err
				}
				fmt.Fprintf(w, "✓ Wrote client config to %s\n", flags.configPath)
			}

			fmt.Fprintf(w, "\n========================================\n")
			fmt.Fprintf(w, "Devnet Ready!\n")
			fmt.Fprintf(w, "  Ledger RPC: http://%s\n", cfg.Devnet.LedgerAddr)
			fmt.Fprintf(w, "  Prover RPC: http://%s\n", cfg.Devnet.ProverAddr)
			for i, addr := range cfg.Devnet.RelayAddrs {
				fmt.Fprintf(w, "  Relay %d:    http://%s\n", i+1, addr)
			}
			fmt.Fprintf(w, "========================================\n")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Fprintf(w, "\nShutting down devnet (tree size %d, %d nullifiers)...\n", d.ledger.TreeSize(), d.ledger.NullifierCount())
			for i, relay := range d.relays {
				fmt.Fprintf(w, "  relay-%d relayed %d submissions\n", i+1, relay.Submitted())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&confirmDelay, "confirm-delay", 0, "Delay before the ledger answers a confirmation")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "Save a client config pointing at this devnet to --config")
	return cmd
}
