package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/camvisr/pkg/client"
)

// command runs remote commands against the daemon API.
type command struct {
	out   io.Writer
	flags *GlobalFlags
}

func (c *command) client(ctx context.Context) (*client.Client, error) {
	cfg := c.flags.clientConfig()
	api := client.New(cfg)
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'camvisr serve'", cfg.BaseURL)
	}
	return api, nil
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseCameraID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid camera id %q", s)
	}
	return id, nil
}

// run resolves the client and hands it to fn.
func (c *command) run(cmd *cobra.Command, fn func(ctx context.Context, api *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, api)
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [camera-id]",
		Short: "Show running workers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				if len(args) == 0 {
					st, err := api.Status(ctx)
					if err != nil {
						return err
					}
					return c.printJSON(st)
				}
				id, err := parseCameraID(args[0])
				if err != nil {
					return err
				}
				st, err := api.CameraStatus(ctx, id)
				if err != nil {
					return err
				}
				return c.printJSON(st)
			})
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <camera-id>",
		Short: "Start the configured roles of a camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				res, err := api.StartCamera(ctx, id)
				if err != nil {
					return err
				}
				return c.printJSON(res)
			})
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <camera-id>",
		Short: "Stop every worker of a camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				if err := api.StopCamera(ctx, id); err != nil {
					return err
				}
				st, err := api.CameraStatus(ctx, id)
				if err != nil {
					return err
				}
				return c.printJSON(st)
			})
		},
	}
}

func createRoleCommand(c *command) *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Start or stop a single role (grid, medium, high, recording)",
	}
	role.AddCommand(&cobra.Command{
		Use:   "start <camera-id> <role>",
		Short: "Start one role of a camera",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				res, err := api.StartRole(ctx, id, args[1])
				if err != nil {
					return err
				}
				return c.printJSON(res)
			})
		},
	}, &cobra.Command{
		Use:   "stop <camera-id> <role>",
		Short: "Stop one role of a camera",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				if err := api.StopRole(ctx, id, args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.out, "stopped %s of camera %d\n", args[1], id)
				return err
			})
		},
	})
	return role
}

func createWatchCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <camera-id> <role>",
		Short: "Start an on-demand role and print a leased playlist URL",
		Long: `Start an on-demand role (medium or high) and take a viewer lease for it.
The printed playlist URL carries the lease, so a player fetching it keeps the
worker alive. Without fetches the lease expires and the idle reaper stops the
worker.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				w, err := api.Watch(ctx, id, args[1])
				if err != nil {
					return err
				}
				return c.printJSON(w)
			})
		},
	}
}

func createCameraCommand(c *command) *cobra.Command {
	cam := &cobra.Command{
		Use:   "camera",
		Short: "Manage cameras",
	}
	cam.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cameras",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				cams, err := api.ListCameras(ctx)
				if err != nil {
					return err
				}
				return c.printJSON(cams)
			})
		},
	})

	addFlags := &CameraAddFlags{}
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a camera with its master stream",
		Long: `Register a camera. The RTSP URL becomes the camera's master stream and
every role starts in auto mode.

Examples:
  camvisr camera add --name=front-door --rtsp-url=rtsp://10.0.0.5/main`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				created, err := api.CreateCamera(ctx, client.Camera{
					Name:          addFlags.Name,
					RTSPURL:       addFlags.RTSPURL,
					Enabled:       !addFlags.Disabled,
					RetentionDays: addFlags.RetentionDays,
				})
				if err != nil {
					return err
				}
				return c.printJSON(created)
			})
		},
	}
	add.Flags().StringVar(&addFlags.Name, "name", "", "camera name (required)")
	add.Flags().StringVar(&addFlags.RTSPURL, "rtsp-url", "", "master stream URL (required)")
	add.Flags().BoolVar(&addFlags.Disabled, "disabled", false, "register without starting workers")
	add.Flags().IntVar(&addFlags.RetentionDays, "retention-days", 7, "days of recordings to keep")
	if err := add.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := add.MarkFlagRequired("rtsp-url"); err != nil {
		panic(err)
	}

	streamFlags := &StreamAddFlags{}
	streamAdd := &cobra.Command{
		Use:   "stream-add <camera-id>",
		Short: "Add a secondary stream to a camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				st, err := api.AddStream(ctx, id, client.Stream{
					Name:    streamFlags.Name,
					RTSPURL: streamFlags.RTSPURL,
					Enabled: true,
					Width:   streamFlags.Width,
					Height:  streamFlags.Height,
					FPS:     streamFlags.FPS,
				})
				if err != nil {
					return err
				}
				return c.printJSON(st)
			})
		},
	}
	streamAdd.Flags().StringVar(&streamFlags.Name, "name", "", "stream name (required)")
	streamAdd.Flags().StringVar(&streamFlags.RTSPURL, "rtsp-url", "", "stream URL (required)")
	streamAdd.Flags().IntVar(&streamFlags.Width, "width", 0, "frame width if known")
	streamAdd.Flags().IntVar(&streamFlags.Height, "height", 0, "frame height if known")
	streamAdd.Flags().IntVar(&streamFlags.FPS, "fps", 0, "frame rate if known")
	if err := streamAdd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := streamAdd.MarkFlagRequired("rtsp-url"); err != nil {
		panic(err)
	}

	del := &cobra.Command{
		Use:   "delete <camera-id>",
		Short: "Stop a camera's workers and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				if err := api.DeleteCamera(ctx, id); err != nil {
					if errors.Is(err, client.ErrNotFound) {
						return fmt.Errorf("camera %d not found", id)
					}
					return err
				}
				_, err := fmt.Fprintf(c.out, "deleted camera %d\n", id)
				return err
			})
		},
	}

	cam.AddCommand(add, streamAdd, del)
	return cam
}

func createRecordingsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "recordings <camera-id> <YYYY-MM-DD>",
		Short: "List recorded segments of one day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCameraID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) error {
				recs, err := api.Recordings(ctx, id, args[1])
				if err != nil {
					return err
				}
				return c.printJSON(recs)
			})
		},
	}
}
