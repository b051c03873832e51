// cmd/sdcprovider/main.go
//
// Entry point for the SDC provider process. Responsibilities:
//   - Parse command-line flags (config path); the MDIB sequence id is a
//     fresh UUID per process.
//   - Initialise a temporary logger so config loading has a logger.
//   - Load and validate configuration from YAML.
//   - Construct the Provider (wires MDIB, transaction manager, roles,
//     subscription manager, discovery engine and dispatcher).
//   - Start the Provider and block until SIGINT/SIGTERM.
//   - Trigger a best-effort graceful shutdown on signal.
package main

import (
	stdctx "context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/pkg/factory"
	"github.com/Draegerwerk/sdc11073/pkg/provider"
)

func main() {
	configPath := flag.String("c", factory.DefaultConfigPath, "path to SDC config file (YAML)")
	flag.Parse()

	_ = logger.InitLog("info", false)
	logger.MainLog.Infof("sdc provider starting, configPath=%s", *configPath)

	config, readError := factory.ReadConfig(*configPath)
	if readError != nil {
		logger.MainLog.Errorf("failed to read config: %v", readError)
		os.Exit(1)
	}
	_ = logger.InitLog(config.Logging.Level, config.Logging.ReportCaller)

	sequenceID := uuid.NewString()
	sdcProvider, buildError := provider.New(config, sequenceID)
	if buildError != nil {
		logger.MainLog.Errorf("failed to create sdc provider: %v", buildError)
		os.Exit(1)
	}

	rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
	if startError := sdcProvider.Start(rootContext); startError != nil {
		logger.MainLog.Errorf("failed to start sdc provider: %v", startError)
		rootCancel()
		os.Exit(1)
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	receivedSignal := <-signalChannel
	logger.MainLog.Infof("received signal=%s, initiating shutdown", receivedSignal.String())
	rootCancel()

	shutdownTimeout := 10 * time.Second
	shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopError := sdcProvider.Stop(shutdownContext); stopError != nil {
		logger.MainLog.Warnf("sdc provider shutdown encountered error: %v", stopError)
	} else {
		logger.MainLog.Infof("sdc provider shutdown completed within %s", shutdownTimeout)
	}
}
