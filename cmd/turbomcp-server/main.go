// Command turbomcp-server is the reference binary built on top of the
// turbomcp package: it loads internal/config.Config, assembles a
// turbomcp.Server over one of the four transports, and drives it through
// internal/lifecycle until SIGINT/SIGTERM.
//
// Logging rule carried over from scrypster-memento's cmd/memento-mcp/main.go:
// under the stdio transport, nothing but protocol frames may touch stdout,
// so the default logger always writes to stderr; TURBOMCP_FORCE_LOGGING=1
// overrides that for local debugging where stdout corruption doesn't matter.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turbomcp-go/turbomcp/internal/transport"
)

var (
	version   = "dev"
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "turbomcp-server",
	Short:   "Reference MCP server built on the turbomcp framework",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds the process zap.Logger, always pointed at stderr unless
// TURBOMCP_FORCE_LOGGING=1 asks for stdout too (see internal/transport's
// ForceLoggingEnv, which this binary's choice of sink must agree with).
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := zapcore.Lock(os.Stderr)
	if os.Getenv(transport.ForceLoggingEnv) == "1" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.Lock(os.Stdout))
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		sink,
		lvl,
	)
	return zap.New(core), nil
}
