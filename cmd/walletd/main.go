package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	cfg "github.com/mimblewallet/walletd/config"
	"github.com/mimblewallet/walletd/internal/basenode"
	"github.com/mimblewallet/walletd/internal/basenode/rpc"
	"github.com/mimblewallet/walletd/internal/cipher"
	"github.com/mimblewallet/walletd/internal/dispatcher/natsmq"
	"github.com/mimblewallet/walletd/internal/logger"
	outputmem "github.com/mimblewallet/walletd/internal/outputmgr/memory"
	"github.com/mimblewallet/walletd/internal/protocol"
	"github.com/mimblewallet/walletd/internal/txservice"
	"github.com/mimblewallet/walletd/internal/txservice/store/sqlite"
)

const progname = "walletd"

// Version & commit strings injected at build with -ldflags -X...
var version string
var commit string

func main() {
	configDir := flag.String("config", ".", "path to configuration yaml file")
	lowPower := flag.Bool("low-power", false, "start in low power polling mode")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if help != nil && *help {
		fmt.Println("usage: walletd [options]")
		fmt.Println("where options are:")
		fmt.Println("")
		fmt.Println("    -config=<path>")
		fmt.Println("          directory the config yaml is loaded from (default=.)")
		fmt.Println("")
		fmt.Println("    -low-power=<true|false>")
		fmt.Println("          slow down chain polling for battery powered hosts (default=false)")
		fmt.Println("")
		return
	}

	walletConfig, err := cfg.Load(*configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	slogger, err := logger.NewLogger(walletConfig.LogLevel, walletConfig.LogFormat)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	slogger = slogger.With(slog.String("version", version), slog.String("commit", commit))

	err = run(slogger, walletConfig, *lowPower)
	if err != nil {
		slogger.Error("walletd terminated", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(slogger *slog.Logger, walletConfig *cfg.WalletConfig, lowPower bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if walletConfig.Wallet == nil || walletConfig.Wallet.Address == "" {
		return errors.New("wallet.address is not configured")
	}

	key, err := hex.DecodeString(walletConfig.Wallet.EncryptionKey)
	if err != nil {
		return fmt.Errorf("wallet.encryptionKey is not valid hex: %w", err)
	}
	walletCipher, err := cipher.New(key)
	if err != nil {
		return fmt.Errorf("failed to create wallet cipher: %w", err)
	}

	txStore, err := sqlite.New(walletConfig.Db.SQLite.InMemory, walletConfig.Db.SQLite.Folder, walletCipher)
	if err != nil {
		return fmt.Errorf("failed to open transaction store: %w", err)
	}
	defer txStore.Close()

	natsConn, err := natsmq.Connect(walletConfig.QueueURL)
	if err != nil {
		return fmt.Errorf("failed to connect to message queue at %s: %w", walletConfig.QueueURL, err)
	}
	messageDispatcher := natsmq.New(natsConn, natsmq.WithLogger(slogger))

	nodeClient := rpc.New(walletConfig.BaseNode.URL,
		rpc.WithLogger(slogger),
		rpc.WithRetries(walletConfig.BaseNode.MaxRetries, time.Second),
		rpc.WithRequestTimeout(walletConfig.BaseNode.RequestTimeout),
	)
	node := basenode.NewSwappable(nodeClient)

	outputs := outputmem.New()

	serviceConfig := walletConfig.TransactionService
	service := txservice.New(txStore, node, messageDispatcher, outputs,
		protocol.Address(walletConfig.Wallet.Address),
		txservice.WithLogger(slogger),
		txservice.WithBroadcastMonitoringInterval(serviceConfig.BroadcastMonitoringTimeout),
		txservice.WithChainMonitoringInterval(serviceConfig.ChainMonitoringTimeout),
		txservice.WithLowPowerPollingInterval(serviceConfig.LowPowerPollingTimeout),
		txservice.WithDirectSendTimeout(serviceConfig.DirectSendTimeout),
		txservice.WithBroadcastSendTimeout(serviceConfig.BroadcastSendTimeout),
		txservice.WithResendPeriod(serviceConfig.ResendPeriod),
		txservice.WithResendCooldown(serviceConfig.ResendCooldown),
		txservice.WithPendingCancellationTimeout(serviceConfig.PendingCancellationTimeout),
		txservice.WithRequiredConfirmations(serviceConfig.RequiredConfirmations),
		txservice.WithMaxTxQueryBatchSize(serviceConfig.MaxTxQueryBatchSize),
		txservice.WithCoinbaseSafetyHeight(serviceConfig.CoinbaseAbandonedSafetyHeight),
		txservice.WithMempoolStalenessHeight(serviceConfig.MempoolStalenessHeight),
	)

	txservice.RegisterCollector(service)

	eventCh, unsubscribe := service.Events()
	defer unsubscribe()
	go logEvents(slogger, eventCh)

	if lowPower {
		service.SetLowPowerMode(true)
	}

	err = service.Start()
	if err != nil {
		return fmt.Errorf("failed to start transaction service: %w", err)
	}
	defer service.Shutdown()
	defer messageDispatcher.Shutdown()

	slogger.Info("walletd started",
		slog.String("address", walletConfig.Wallet.Address),
		slog.String("network", walletConfig.Network),
		slog.String("base_node", walletConfig.BaseNode.URL))

	group, groupCtx := errgroup.WithContext(ctx)

	if walletConfig.ProfilerAddr != "" {
		slogger.Info("starting profiler", slog.String("addr", fmt.Sprintf("http://%s/debug/pprof", walletConfig.ProfilerAddr)))
		group.Go(func() error {
			return serveHTTP(groupCtx, walletConfig.ProfilerAddr, http.DefaultServeMux)
		})
	}

	if walletConfig.PrometheusAddr != "" {
		slogger.Info("starting prometheus endpoint",
			slog.String("addr", walletConfig.PrometheusAddr),
			slog.String("endpoint", walletConfig.PrometheusEndpoint))
		mux := http.NewServeMux()
		mux.Handle(walletConfig.PrometheusEndpoint, promhttp.Handler())
		group.Go(func() error {
			return serveHTTP(groupCtx, walletConfig.PrometheusAddr, mux)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	err = group.Wait()
	slogger.Info("shutting down")
	return err
}

// serveHTTP runs a listener until the context is cancelled, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func logEvents(slogger *slog.Logger, eventCh <-chan txservice.Event) {
	for event := range eventCh {
		switch e := event.(type) {
		case txservice.ReceivedTransaction:
			slogger.Info("received transaction", slog.Uint64("tx_id", uint64(e.TxID)),
				slog.String("source", string(e.Source)), slog.Uint64("amount", uint64(e.Amount)))
		case txservice.ReceivedTransactionReply:
			slogger.Info("received transaction reply", slog.Uint64("tx_id", uint64(e.TxID)))
		case txservice.ReceivedFinalizedTransaction:
			slogger.Info("received finalized transaction", slog.Uint64("tx_id", uint64(e.TxID)))
		case txservice.TransactionSendResult:
			slogger.Info("transaction send result", slog.Uint64("tx_id", uint64(e.TxID)),
				slog.Bool("direct", e.DirectSent), slog.Bool("saf", e.SafSent))
		case txservice.TransactionCompletedImmediately:
			slogger.Info("transaction completed immediately", slog.Uint64("tx_id", uint64(e.TxID)))
		case txservice.TransactionBroadcast:
			slogger.Info("transaction broadcast", slog.Uint64("tx_id", uint64(e.TxID)))
		case txservice.TransactionMinedUnconfirmed:
			slogger.Info("transaction mined", slog.Uint64("tx_id", uint64(e.TxID)),
				slog.Uint64("confirmations", e.Confirmations))
		case txservice.TransactionMined:
			slogger.Info("transaction confirmed", slog.Uint64("tx_id", uint64(e.TxID)))
		case txservice.TransactionCancelled:
			slogger.Info("transaction cancelled", slog.Uint64("tx_id", uint64(e.TxID)),
				slog.String("reason", e.Reason.String()))
		case txservice.ErrorEvent:
			slogger.Error("transaction error", slog.Uint64("tx_id", uint64(e.TxID)),
				slog.String("description", e.Description))
		}
	}
}
