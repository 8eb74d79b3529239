package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/midnightmine/scavenger/authority"
	"github.com/midnightmine/scavenger/campaign"
	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/config"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/oracle"
	"github.com/midnightmine/scavenger/receipts"
	"github.com/midnightmine/scavenger/scheduler"
	"github.com/midnightmine/scavenger/solver"
)

// Scavenger binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// localOracle satisfies the scheduler's hasher contract with the
// in-process provider, which has no lifecycle to manage.
type localOracle struct {
	*solver.LocalProvider
}

func (localOracle) Start(context.Context) error { return nil }

func (localOracle) Stop(context.Context) error { return nil }

// scavengerMain is the true entry point for the miner. This function is
// required since defers created in the top-level scope of a main method
// aren't executed if os.Exit() is called.
func scavengerMain() error {
	var err error
	// Start with a default Config with sane settings
	cfg := config.DefaultConfig()
	// Pre-parse the command line to check for an alternative Config file
	cfg, err = config.ParseFlags(cfg)
	if err != nil {
		return err
	}
	// Load configuration file overwriting defaults with any specified options
	cfg, err = config.ReadConfigFile(cfg)
	if err != nil {
		return err
	}

	cfg, err = config.SetupConfig(cfg)
	if err != nil {
		return err
	}
	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	cfg, err = config.ParseFlags(cfg)
	if err != nil {
		return err
	}

	// Initialize logging
	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(logLevel, cfg.LogFile(), cfg.JSONLog)
	ctx := logging.NewContext(context.Background(), logger)

	defer func() {
		logger.Info("shutdown complete")
	}()

	// Show version at startup.
	logger.Sugar().Infof("version: %s, dir: %v, datadir: %v, api: %v", version, cfg.ScavengerDir, cfg.DataDir, cfg.Authority.BaseURL)

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		logger.Sugar().Infof("starting HTTP profiling on port %v", cfg.Profile)
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			fmt.Println(http.ListenAndServe(listenAddr, nil))
		}()
	} else {
		// Disable go default unbounded memory profiler.
		runtime.MemProfileRate = 0
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			logger.With(zap.Error(err)).Error("could not create CPU profile")
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logger.With(zap.Error(err)).Error("could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if cfg.MetricsPort != "" {
		logger.Sugar().Infof("exposing metrics on port %v", cfg.MetricsPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			fmt.Println(http.ListenAndServe(net.JoinHostPort("", cfg.MetricsPort), mux))
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addresses, err := challenge.LoadAddresses(cfg.AddressesFile)
	if err != nil {
		return fmt.Errorf("loading addresses: %w", err)
	}

	var store receipts.Store
	switch cfg.ReceiptStore {
	case config.ReceiptStoreLevelDB:
		store, err = receipts.OpenDB(cfg.ReceiptsPath())
	default:
		store, err = receipts.OpenFileStore(cfg.ReceiptsPath())
	}
	if err != nil {
		return fmt.Errorf("opening receipt store: %w", err)
	}
	defer store.Close()

	factory := func(lane int) scheduler.Oracle {
		if cfg.LocalHasher {
			return localOracle{solver.NewLocalProvider()}
		}
		return oracle.NewSupervisor(*cfg.Oracle, cfg.Oracle.BasePort+uint16(lane))
	}

	client := authority.New(*cfg.Authority)
	miner := scheduler.New(*cfg.Scheduler, *cfg.Solver, store, client, factory)

	solved, err := campaign.OpenSolvedCache(cfg.Campaign.SolvedCacheFile)
	if err != nil {
		return fmt.Errorf("opening solved cache: %w", err)
	}

	c := campaign.New(*cfg.Campaign, client, miner, solved, addresses, cfg.Scheduler.Lanes)
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("failure in campaign: %w", err)
	}

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := scavengerMain(); err != nil {
		// If it's the flag utility error don't print it,
		// because it was already printed.
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
