package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/camvisr/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

// ServeFlags holds flags of the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// CameraAddFlags holds flags of `camera add`.
type CameraAddFlags struct {
	Name          string
	RTSPURL       string
	Disabled      bool
	RetentionDays int
}

// StreamAddFlags holds flags of `camera stream-add`.
type StreamAddFlags struct {
	Name    string
	RTSPURL string
	Width   int
	Height  int
	FPS     int
}

// buildRoot wires every subcommand. Command output goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	c := &command{out: out, flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRoleCommand(c),
		createWatchCommand(c),
		createCameraCommand(c),
		createRecordingsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "camvisr",
		Short: "Camera ffmpeg worker supervisor",
		Long: `camvisr keeps one ffmpeg worker per camera role running: the grid
preview and the recorder always, the medium and high live streams while
viewers hold leases.

Examples:
  camvisr serve config.toml          # start the daemon
  camvisr status                     # running workers of every camera
  camvisr role start 3 high          # start one role by hand
  camvisr watch 3 medium             # lease a live stream and print its playlist
  camvisr status --api-url=http://nvr:8080/api`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default http://127.0.0.1:8080/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate to verify an https daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification of the daemon")
	return root
}

func (f *GlobalFlags) clientConfig() client.Config {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	cfg.Insecure = f.Insecure
	return cfg
}
