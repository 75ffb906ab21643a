// adb-server: host side of the Android Debug Bridge.
//
// It owns the device transports and answers client requests on the smart
// socket (tcp:5037 by default). It can run in the foreground, be spawned
// as a daemon by start-server, and be queried with a few client commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbhost/internal/config"
	"github.com/1ureka/adbhost/internal/server"
	"github.com/1ureka/adbhost/internal/util"
)

var version = "dev"

var (
	configPath   string
	serverSocket string
	listenAll    bool
	debugMode    bool
)

var rootCmd = &cobra.Command{
	Use:           "adb-server",
	Short:         "Android Debug Bridge host server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if debugMode {
			util.EnableDebug()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ~/.android/adb_server.toml)")
	flags.StringVarP(&serverSocket, "socket", "L", "", "Smart socket spec to listen on or connect to (default tcp:5037)")
	flags.BoolVarP(&listenAll, "listen-all", "a", false, "Listen on all network interfaces, not just localhost")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

func main() {
	server.Version = version

	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies the
// global flags on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if serverSocket != "" {
		cfg.ServerSocket = serverSocket
	}
	if listenAll {
		cfg.ListenAll = true
	}
	return cfg, nil
}

func banner() {
	pterm.Info.Println(fmt.Sprintf("adb-server v%s", version))
	pterm.Println()
}
