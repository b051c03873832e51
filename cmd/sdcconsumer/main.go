// cmd/sdcconsumer/main.go
//
// Entry point for the SDC consumer process. Responsibilities:
//   - Parse command-line flags (config path, notify listen address).
//   - Initialise a temporary logger so config loading has a logger.
//   - Load and validate configuration from YAML.
//   - Construct the Consumer (wires MDIB mirror, report processor,
//     subscription client and discovery engine).
//   - Start the Consumer and block until SIGINT/SIGTERM.
//   - Trigger a best-effort graceful shutdown on signal.
package main

import (
	stdctx "context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Draegerwerk/sdc11073/internal/logger"
	"github.com/Draegerwerk/sdc11073/pkg/consumer"
	"github.com/Draegerwerk/sdc11073/pkg/factory"
)

func main() {
	configPath := flag.String("c", factory.DefaultConfigPath, "path to SDC config file (YAML)")
	notifyListenAddr := flag.String("notify", "0.0.0.0:8081", "address this process listens on for delivered reports")
	flag.Parse()

	_ = logger.InitLog("info", false)
	logger.MainLog.Infof("sdc consumer starting, configPath=%s", *configPath)

	config, readError := factory.ReadConfig(*configPath)
	if readError != nil {
		logger.MainLog.Errorf("failed to read config: %v", readError)
		os.Exit(1)
	}
	_ = logger.InitLog(config.Logging.Level, config.Logging.ReportCaller)

	sdcConsumer, buildError := consumer.New(config, *notifyListenAddr)
	if buildError != nil {
		logger.MainLog.Errorf("failed to create sdc consumer: %v", buildError)
		os.Exit(1)
	}

	rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
	if startError := sdcConsumer.Start(rootContext, *notifyListenAddr); startError != nil {
		logger.MainLog.Errorf("failed to start sdc consumer: %v", startError)
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

	if stopError := sdcConsumer.Stop(shutdownContext); stopError != nil {
		logger.MainLog.Warnf("sdc consumer shutdown encountered error: %v", stopError)
	} else {
		logger.MainLog.Infof("sdc consumer shutdown completed within %s", shutdownTimeout)
	}
}
