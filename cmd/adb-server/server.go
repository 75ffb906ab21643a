package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/1ureka/adbhost/internal/server"
	"github.com/1ureka/adbhost/internal/util"
)

var (
	daemon        bool
	replyFD       int
	oneDevice     string
	metricsListen string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the server in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if oneDevice != "" {
			cfg.OneDevice = oneDevice
		}
		if metricsListen != "" {
			cfg.MetricsListen = metricsListen
		}

		var ack io.Writer
		if daemon {
			logFile, err := os.OpenFile(server.LogPath(cfg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return fmt.Errorf("cannot open log file: %w", err)
			}
			defer logFile.Close()
			util.SetOutput(logFile)

			if err := server.Detach(); err != nil {
				util.LogWarning("setsid failed: %v", err)
			}
			if replyFD > 0 {
				ack = os.NewFile(uintptr(replyFD), "reply")
			}
		} else {
			banner()
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		return srv.Run(command.Context(), ack)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.BoolVar(&daemon, "daemon", false, "Run detached, logging to the server log file")
	flags.IntVar(&replyFD, "reply-fd", 0, "Write OK to this inherited descriptor once ready")
	flags.StringVar(&oneDevice, "one-device", "", "Only serve the device with this serial or usb path")
	flags.StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")
}
