package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/adbhost/internal/config"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/server"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/util"
)

const startTimeout = 10 * time.Second

// query sends one host request and returns the length-prefixed reply.
// When noReply is set only the status is read.
func query(ctx context.Context, cfg config.Config, service string, noReply bool) (string, error) {
	conn, _, _, err := socketspec.Default.Connect(ctx, cfg.ServerSocket, protocol.DefaultServerPort)
	if err != nil {
		return "", fmt.Errorf("cannot connect to daemon at %s: %w", cfg.ServerSocket, err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, service); err != nil {
		return "", err
	}
	if err := protocol.ReadStatus(conn); err != nil {
		return "", err
	}
	if noReply {
		return "", nil
	}
	return protocol.ReadProtocolString(conn)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the client and server versions",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		fmt.Printf("Android Debug Bridge version 1.0.%d\n", protocol.ServerVersion)
		fmt.Printf("adb-server %s\n", version)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := query(command.Context(), cfg, "host:version", false)
		if err != nil {
			util.LogWarning("no server running: %v", err)
			return nil
		}
		fmt.Printf("running server version %s\n", v)
		return nil
	},
}

var devicesLong bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected devices",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		service := "host:devices"
		if devicesLong {
			service = "host:devices-l"
		}
		list, err := query(command.Context(), cfg, service, false)
		if err != nil {
			return err
		}
		fmt.Println("List of devices attached")
		fmt.Print(list)
		return nil
	},
}

var serialFlag string

var getStateCmd = &cobra.Command{
	Use:   "get-state",
	Short: "Print the state of the selected device",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serialFlag != "" {
			cfg.Serial = serialFlag
		}
		service := "host:get-state"
		if cfg.Serial != "" {
			service = "host-serial:" + cfg.Serial + ":get-state"
		}
		state, err := query(command.Context(), cfg, service, false)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	},
}

var killServerCmd = &cobra.Command{
	Use:   "kill-server",
	Short: "Ask the running server to exit",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, err = query(command.Context(), cfg, "host:kill", true)
		return err
	},
}

var startServerCmd = &cobra.Command{
	Use:   "start-server",
	Short: "Start a daemon unless one is already running",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := query(command.Context(), cfg, "host:version", false); err == nil {
			return nil
		}
		util.LogInfo("daemon not running; starting now at %s", cfg.ServerSocket)
		if err := spawnDaemon(cfg); err != nil {
			return err
		}
		util.LogSuccess("daemon started successfully")
		return nil
	},
}

// spawnDaemon re-executes this binary as a detached server and waits for
// its "OK" on the reply pipe.
func spawnDaemon(cfg config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	defer pr.Close()

	args := []string{"server", "--daemon", "--reply-fd", "3", "-L", cfg.ServerSocket}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if cfg.ListenAll {
		args = append(args, "-a")
	}
	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{pw}
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("cannot start daemon: %w", err)
	}
	pw.Close()
	go cmd.Wait()

	pr.SetReadDeadline(time.Now().Add(startTimeout))
	line, err := bufio.NewReader(pr).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read daemon reply: %w", err)
	}
	if strings.TrimSpace(line) != "OK" {
		return fmt.Errorf("daemon failed to start, see %s", server.LogPath(cfg))
	}
	return nil
}

func init() {
	devicesCmd.Flags().BoolVarP(&devicesLong, "long", "l", false, "Include device details")
	getStateCmd.Flags().StringVarP(&serialFlag, "serial", "s", "", "Device serial (default $ANDROID_SERIAL)")
	rootCmd.AddCommand(versionCmd, devicesCmd, getStateCmd, killServerCmd, startServerCmd)
}
