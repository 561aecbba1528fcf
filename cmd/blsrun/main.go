package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/internal/function"
	"github.com/blocklessnetwork/bls-runtime-go/internal/server"
	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	functionName := flag.String("function", "", "Run a deployed function by name")
	modulePath := flag.String("module", "", "Path or http(s) URL of a module to run")
	invoke := flag.String("invoke", "", "Export to call with -input instead of running _start")
	input := flag.String("input", "", "Input passed to -invoke")
	result := flag.String("result", string(wasm.ResultSameLength), "Result convention of -invoke (raw, same-length, ptr-len, length-prefixed)")
	relayAddr := flag.String("relay", "", "Serve the IPFS API relay on this address")
	selfTest := flag.Bool("selftest", false, "Run the built-in marshalling self test")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 2
	}
	defer logger.Sync()

	logger.Info("Starting blsrun",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	srv, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", zap.Error(err))
		return 1
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := srv.Close(closeCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
	}()

	switch {
	case *selfTest:
		out, err := srv.SelfTest(ctx)
		if err != nil {
			logger.Error("Self test failed", zap.Error(err))
			return 1
		}
		fmt.Println(out)
		return 0

	case *modulePath != "" && *invoke != "":
		conv, err := wasm.ParseResultConvention(*result)
		if err != nil {
			logger.Error("Invalid result convention", zap.Error(err))
			return 2
		}
		res, err := srv.Invoke(ctx, *modulePath, *invoke, []byte(*input), conv)
		if err != nil {
			logger.Error("Invoke failed", zap.String("export", *invoke), zap.Error(err))
			return 1
		}
		if conv == wasm.ResultRaw {
			for _, v := range res.Values {
				fmt.Println(v)
			}
			return 0
		}
		_, _ = os.Stdout.Write(res.Data)
		return 0

	case *modulePath != "":
		res, err := srv.RunModule(ctx, *modulePath)
		return report(logger, res, err)

	case *functionName != "":
		if err := srv.LoadFunctions(ctx); err != nil {
			logger.Error("Failed to load functions", zap.Error(err))
			return 1
		}
		res, err := srv.Run(ctx, *functionName)
		return report(logger, res, err)

	case *relayAddr != "":
		addr, err := srv.ServeRelay(ctx, *relayAddr)
		if err != nil {
			logger.Error("Failed to start relay", zap.Error(err))
			return 1
		}
		logger.Info("Relay running; press Ctrl+C to stop", zap.String("addr", addr))
		<-ctx.Done()
		return 0

	default:
		flag.Usage()
		return 2
	}
}

// report copies a run's output to the process streams and maps its exit
// code.
func report(logger *zap.Logger, res *function.RunResult, err error) int {
	if res != nil {
		_, _ = os.Stdout.Write(res.Stdout)
		_, _ = os.Stderr.Write(res.Stderr)
		if res.Truncated {
			logger.Warn("Guest output was truncated")
		}
	}
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		return 1
	}
	return int(res.ExitCode)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zcfg zap.Config
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	// Guest stdout goes to the process stdout; keep logs on stderr.
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
