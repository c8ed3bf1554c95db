package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loanchain/config"
	"loanchain/crypto"
	"loanchain/native/fees"
	"loanchain/native/loan"
	"loanchain/native/notes"
	"loanchain/native/vault"
	"loanchain/observability"
	"loanchain/observability/logging"
	"loanchain/rpc"
	"loanchain/storage"
)

const keystorePassEnv = "LOANCHAIN_KEYSTORE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("loanchaind", cfg.NetworkName)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	collectorKey, err := loadOrCreateKey(cfg.KeystorePath)
	if err != nil {
		logger.Error("failed to initialise fee collector key", "err", err)
		os.Exit(1)
	}
	var feeCollector [20]byte
	copy(feeCollector[:], collectorKey.PubKey().Address().Bytes())
	vaultAddr := crypto.ModuleAddress("vault")

	schedule, err := fees.NewSchedule(db, feeCollector, cfg.OriginationBps, cfg.LateFeeBps)
	if err != nil {
		logger.Error("invalid fee configuration", "err", err)
		os.Exit(1)
	}

	store := loan.NewStore(db)
	custody := vault.NewRegistry(db)
	noteRegistry := notes.NewRegistry(db)
	params := loan.DefaultParams()
	if cfg.MaxInstallments > 0 {
		params.MaxInstallments = cfg.MaxInstallments
	}

	metrics := observability.Metrics()
	ledger := loan.NewLedger(store, custody, noteRegistry, schedule, params, vaultAddr, feeCollector)
	ledger.SetEmitter(observability.NewMetricsEmitter(metrics, nil))

	validator := loan.NewValidator(store, params)
	originator := ledger.NewOriginator(validator)
	originator.SetItemsVerifier(custody)

	apiServer := rpc.NewServer(cfg.ListenAddress, ledger, metrics)
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("query API listening", "addr", cfg.ListenAddress)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddress)
		errCh <- metricsServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("api shutdown failed", "err", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics shutdown failed", "err", err)
	}
}

// loadOrCreateKey loads the fee collector key from the keystore, generating
// and persisting a fresh one on first start.
func loadOrCreateKey(path string) (*crypto.PrivateKey, error) {
	passphrase := os.Getenv(keystorePassEnv)
	if _, err := os.Stat(path); err == nil {
		return crypto.LoadFromKeystore(path, passphrase)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}
