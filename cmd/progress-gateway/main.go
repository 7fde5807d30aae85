package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/deliveryhero/asya/asya-progress/internal/config"
)

var (
	cfg *config.Config

	flagConfigFilePath string // value of --config flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file (default $ASYA_CONFIG_PATH); ASYA_* variables override it")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initGateway

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "progress-gateway",
	Short:        "Simulated long-running jobs observable by polling, SSE, WebSocket and MCP",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the job API until SIGINT or SIGTERM",
	RunE:  doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("progress-gateway: version info not available")
			return
		}

		fmt.Printf("progress-gateway: %s\n", info.Main.Version)
		fmt.Printf("go:               %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:           %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:             %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:            %s\n", s.Value)
			}
		}
	},
}

func initGateway(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if path == "" {
		path = os.Getenv("ASYA_CONFIG_PATH")
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if path != "" {
		slog.Debug("Loaded configuration file", "path", path)
	}
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
