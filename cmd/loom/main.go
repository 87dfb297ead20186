package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/leonletto/loom/internal/cli"
	"github.com/leonletto/loom/internal/config"
	"github.com/leonletto/loom/internal/daemon"
	"github.com/leonletto/loom/internal/daemon/rpc"
	"github.com/leonletto/loom/internal/monitor"
	"github.com/leonletto/loom/internal/paths"
	"github.com/spf13/cobra"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagDir   string
	flagJSON  bool
	flagQuiet bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Multi-team coordination",
		Long: `Loom coordinates autonomous teams working in one workspace.

Teams register with the engine, hold exclusive resource leases, exchange
messages over bridges and publish facts into a shared context. A daemon
per workspace runs the reconciliation loops and serves team clients over
a Unix socket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", ".", "Workspace path")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("loom v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	// Resolve --dir to the nearest parent containing .loom/ (git-style
	// traversal). Skip for "init", which creates .loom/.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		if !cmd.Flags().Changed("dir") {
			if root, err := paths.FindLoomRoot(flagDir); err == nil {
				flagDir = root
			}
		}
		return nil
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getClient connects to the daemon serving the resolved workspace.
func getClient() (*daemon.Client, error) {
	return cli.Connect(flagDir)
}

// emit prints v as JSON when --json is set, human otherwise.
func emit(human string, v any) {
	if flagJSON {
		output, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(output))
		return
	}
	fmt.Print(human)
}

// isInteractive returns true if stdin is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a coordination directory in the workspace",
		Long: `Initialize the .loom/ coordination directory.

Creates the directory layout the daemon and teams share: the registry,
lease and context documents live directly in .loom/, runtime state under
.loom/var/, staged context under .loom/context/staged/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.Init(flagDir)
			if err != nil {
				return err
			}
			if flagJSON {
				emit("", result)
			} else if !flagQuiet {
				fmt.Println("✓ Loom initialized")
				fmt.Printf("  Directory: %s\n", result.LoomDir)
			}
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	var flagObserver string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the loom daemon",
	}
	cmd.PersistentFlags().StringVar(&flagObserver, "observer", "",
		"Serve the websocket event stream on this address (e.g. 127.0.0.1:9780)")

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.DaemonStart(flagDir, flagObserver); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon started")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.DaemonStop(flagDir); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon stopped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := cli.DaemonStatus(flagDir)
			if err != nil {
				return err
			}
			emit(cli.FormatDaemonStatus(result), result)
			// Exit code 1 when the daemon is down, like systemctl status.
			if !result.Running {
				os.Exit(1)
			}
			return nil
		},
	})

	cmd.AddCommand(daemonRunCmd(&flagObserver))
	return cmd
}

func daemonRunCmd(flagObserver *string) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground (internal use)",
		Hidden: true, // used by daemon start
		RunE: func(cmd *cobra.Command, args []string) error {
			loomDir, err := paths.ResolveLoomDir(flagDir)
			if err != nil {
				return err
			}
			cfg, err := config.Load(loomDir)
			if err != nil {
				return err
			}

			d, err := daemon.New(loomDir, cfg, daemon.Options{
				ObserverAddr: *flagObserver,
				Version:      Version,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show engine health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var health rpc.HealthResponse
			if err := client.CallInto("health", nil, &health); err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Status:  %s (v%s, up %s)\n", health.Status, health.Version,
				(time.Duration(health.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(&b, "Teams:   %d active, %d isolated, %d with stale heartbeats\n",
				health.System.ActiveTeams, health.System.IsolatedTeams, health.System.StaleHeartbeats)
			fmt.Fprintf(&b, "Leases:  %d\n", health.System.Leases)
			fmt.Fprintf(&b, "Bridges: %d\n", health.System.Bridges)
			fmt.Fprintf(&b, "Context: %d keys\n", health.System.ContextKeys)
			emit(b.String(), health)
			return nil
		},
	}
}

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage team registration and liveness",
	}

	var (
		flagDisplay string
		flagCaps    []string
	)
	register := &cobra.Command{
		Use:   "register <team-id>",
		Short: "Register a team (or reactivate an isolated one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.RegisterResponse
			err = client.CallInto("team.register", rpc.RegisterRequest{
				TeamID:       args[0],
				DisplayName:  flagDisplay,
				Capabilities: flagCaps,
			}, &resp)
			if err != nil {
				return err
			}

			verb := "registered"
			if resp.Reactivated {
				verb = "reactivated"
			}
			emit(fmt.Sprintf("✓ Team %s %s\n", resp.Team.ID, verb), resp)
			return nil
		},
	}
	register.Flags().StringVar(&flagDisplay, "display", "", "Human-readable team name")
	register.Flags().StringSliceVar(&flagCaps, "capability", nil, "Team capability (repeatable)")
	cmd.AddCommand(register)

	var flagKeepalive bool
	var flagInterval time.Duration
	heartbeat := &cobra.Command{
		Use:   "heartbeat <team-id>",
		Short: "Send a heartbeat, or keep one flowing with --keepalive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if !flagKeepalive {
				if err := client.CallInto("team.heartbeat", rpc.HeartbeatRequest{TeamID: args[0]}, nil); err != nil {
					return err
				}
				if !flagQuiet {
					fmt.Printf("✓ Heartbeat sent for %s\n", args[0])
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			h := monitor.NewHeartbeater(cli.RPCHeartbeatSender{Client: client}, args[0], flagInterval)
			h.Start(ctx)
			return nil
		},
	}
	heartbeat.Flags().BoolVar(&flagKeepalive, "keepalive", false, "Keep heartbeating until interrupted")
	heartbeat.Flags().DurationVar(&flagInterval, "interval", config.DefaultHeartbeatInterval, "Keepalive interval")
	cmd.AddCommand(heartbeat)

	cmd.AddCommand(&cobra.Command{
		Use:   "unregister <team-id>",
		Short: "Unregister a team and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.UnregisterResponse
			if err := client.CallInto("team.unregister", rpc.UnregisterRequest{TeamID: args[0]}, &resp); err != nil {
				return err
			}

			human := fmt.Sprintf("✓ Team %s unregistered\n", args[0])
			if !resp.Removed {
				human = fmt.Sprintf("Team %s was not registered\n", args[0])
			}
			if len(resp.ReleasedResources) > 0 {
				human += fmt.Sprintf("  Released: %s\n", strings.Join(resp.ReleasedResources, ", "))
			}
			emit(human, resp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <team-id>",
		Short: "Show one team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.GetTeamResponse
			if err := client.CallInto("team.get", rpc.GetTeamRequest{TeamID: args[0]}, &resp); err != nil {
				return err
			}
			emit(cli.FormatTeam(resp.Team), resp)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.ListTeamsResponse
			if err := client.CallInto("team.list", nil, &resp); err != nil {
				return err
			}
			emit(cli.FormatTeams(resp.Teams), resp)
			return nil
		},
	})

	return cmd
}

func resourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage exclusive resource leases",
	}

	var (
		flagTeam string
		flagTTL  time.Duration
		flagHold bool
	)
	reserve := &cobra.Command{
		Use:   "reserve <resource-id>",
		Short: "Reserve a resource for exclusive use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTeam == "" {
				return fmt.Errorf("--team is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ttlSeconds := int64(flagTTL / time.Second)
			if flagHold {
				ttlSeconds = -1
			}
			var resp rpc.ReserveResponse
			err = client.CallInto("resource.reserve", rpc.ReserveRequest{
				TeamID:     flagTeam,
				ResourceID: args[0],
				TTLSeconds: ttlSeconds,
			}, &resp)
			if err != nil {
				return err
			}

			human := fmt.Sprintf("✓ Reserved %s for %s\n", resp.Reservation.ResourceID, resp.Reservation.TeamID)
			if resp.Reservation.ExpiresAt != nil {
				human += fmt.Sprintf("  Expires: %s\n", resp.Reservation.ExpiresAt.Local().Format(time.RFC3339))
			}
			emit(human, resp)
			return nil
		},
	}
	reserve.Flags().StringVar(&flagTeam, "team", "", "Reserving team id")
	reserve.Flags().DurationVar(&flagTTL, "ttl", 0, "Lease TTL (0 = configured default)")
	reserve.Flags().BoolVar(&flagHold, "hold", false, "Hold with no expiry")
	cmd.AddCommand(reserve)

	var flagReleaseTeam string
	release := &cobra.Command{
		Use:   "release <resource-id>",
		Short: "Release a held resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagReleaseTeam == "" {
				return fmt.Errorf("--team is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.ReleaseResponse
			err = client.CallInto("resource.release", rpc.ReleaseRequest{
				TeamID:     flagReleaseTeam,
				ResourceID: args[0],
			}, &resp)
			if err != nil {
				return err
			}
			if resp.Released {
				emit(fmt.Sprintf("✓ Released %s\n", args[0]), resp)
			} else {
				emit(fmt.Sprintf("Nothing to release for %s\n", args[0]), resp)
			}
			return nil
		},
	}
	release.Flags().StringVar(&flagReleaseTeam, "team", "", "Releasing team id")
	cmd.AddCommand(release)

	var flagListTeam string
	list := &cobra.Command{
		Use:   "list",
		Short: "List current leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.ListLeasesResponse
			if err := client.CallInto("resource.list", rpc.ListLeasesRequest{TeamID: flagListTeam}, &resp); err != nil {
				return err
			}
			emit(cli.FormatLeases(resp.Leases), resp)
			return nil
		},
	}
	list.Flags().StringVar(&flagListTeam, "team", "", "Only this team's leases")
	cmd.AddCommand(list)

	return cmd
}

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage inter-team message bridges",
	}

	var flagContext string
	create := &cobra.Command{
		Use:   "create <team-a> <team-b>",
		Short: "Create a bridge between two teams",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.CreateBridgeResponse
			err = client.CallInto("bridge.create", rpc.CreateBridgeRequest{
				TeamA:   args[0],
				TeamB:   args[1],
				Context: flagContext,
			}, &resp)
			if err != nil {
				return err
			}
			emit(fmt.Sprintf("✓ Bridge %s created: %s <-> %s\n", resp.Bridge.ID, args[0], args[1]), resp)
			return nil
		},
	}
	create.Flags().StringVar(&flagContext, "context", "", "What this bridge is for")
	cmd.AddCommand(create)

	var flagFrom string
	send := &cobra.Command{
		Use:   "send <bridge-id> <body...>",
		Short: "Send a message over a bridge",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagFrom == "" {
				return fmt.Errorf("--from is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.SendResponse
			err = client.CallInto("bridge.send", rpc.SendRequest{
				BridgeID: args[0],
				FromTeam: flagFrom,
				Body:     strings.Join(args[1:], " "),
			}, &resp)
			if err != nil {
				return err
			}
			emit(fmt.Sprintf("✓ Sent to %s\n", resp.Message.ToTeam), resp)
			return nil
		},
	}
	send.Flags().StringVar(&flagFrom, "from", "", "Sending team id")
	cmd.AddCommand(send)

	var (
		flagMsgTeam   string
		flagMsgBridge string
	)
	messages := &cobra.Command{
		Use:   "messages",
		Short: "Show messages addressed to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagMsgTeam == "" {
				return fmt.Errorf("--team is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.MessagesResponse
			err = client.CallInto("bridge.messages", rpc.MessagesRequest{
				TeamID:   flagMsgTeam,
				BridgeID: flagMsgBridge,
			}, &resp)
			if err != nil {
				return err
			}
			emit(cli.FormatMessages(resp.Messages), resp)
			return nil
		},
	}
	messages.Flags().StringVar(&flagMsgTeam, "team", "", "Receiving team id")
	messages.Flags().StringVar(&flagMsgBridge, "bridge", "", "Only this bridge")
	cmd.AddCommand(messages)

	var flagListTeam string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagListTeam == "" {
				return fmt.Errorf("--team is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.ListBridgesResponse
			if err := client.CallInto("bridge.list", rpc.ListBridgesRequest{TeamID: flagListTeam}, &resp); err != nil {
				return err
			}
			emit(cli.FormatBridges(resp.Bridges), resp)
			return nil
		},
	}
	list.Flags().StringVar(&flagListTeam, "team", "", "Participant team id")
	cmd.AddCommand(list)

	var (
		flagMaxAge string
		flagDryRun bool
	)
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune bridges idle past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.CleanupResponse
			err = client.CallInto("bridge.cleanup", rpc.CleanupRequest{
				MaxAge: flagMaxAge,
				DryRun: flagDryRun,
			}, &resp)
			if err != nil {
				return err
			}

			var human string
			switch {
			case len(resp.BridgeIDs) == 0:
				human = "Nothing to prune\n"
			case resp.DryRun:
				human = fmt.Sprintf("Would prune %d bridge(s): %s\n", len(resp.BridgeIDs), strings.Join(resp.BridgeIDs, ", "))
			default:
				human = fmt.Sprintf("✓ Pruned %d bridge(s): %s\n", len(resp.BridgeIDs), strings.Join(resp.BridgeIDs, ", "))
			}
			emit(human, resp)
			return nil
		},
	}
	cleanup.Flags().StringVar(&flagMaxAge, "max-age", "", "Idle cutoff as a duration (default: configured retention)")
	cleanup.Flags().BoolVar(&flagDryRun, "dry-run", false, "Report without deleting")
	cmd.AddCommand(cleanup)

	return cmd
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Read and publish shared context",
	}

	var flagTeam string
	sync := &cobra.Command{
		Use:   "sync <key=value>...",
		Short: "Publish key-value facts into the shared context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTeam == "" {
				return fmt.Errorf("--team is required")
			}
			values := make(map[string]string, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				values[key] = value
			}

			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.SyncContextResponse
			err = client.CallInto("context.sync", rpc.SyncContextRequest{
				TeamID: flagTeam,
				Values: values,
			}, &resp)
			if err != nil {
				return err
			}
			emit(fmt.Sprintf("✓ Synchronized %d key(s): %s\n", len(resp.MergedKeys), strings.Join(resp.MergedKeys, ", ")), resp)
			return nil
		},
	}
	sync.Flags().StringVar(&flagTeam, "team", "", "Contributing team id")
	cmd.AddCommand(sync)

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the merged shared context",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var resp rpc.GetContextResponse
			if err := client.CallInto("context.get", nil, &resp); err != nil {
				return err
			}
			emit(cli.FormatContext(resp.Entries), resp)
			return nil
		},
	})

	return cmd
}

func watchCmd() *cobra.Command {
	var flagTeam string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach as a team and print incoming messages",
		Long: `Attach this terminal to the daemon as a team's notification sink.

Messages sent to the team over any bridge are printed as they arrive.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTeam == "" {
				return fmt.Errorf("--team is required")
			}
			client, err := getClient()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			client.OnNotification(func(method string, params json.RawMessage) {
				if method != daemon.NotifyMethod {
					return
				}
				var p daemon.NotifyParams
				if err := json.Unmarshal(params, &p); err != nil {
					return
				}
				fmt.Println(p.Text)
			})
			if err := client.CallInto("client.attach", daemon.AttachRequest{TeamID: flagTeam}, nil); err != nil {
				return err
			}
			if !flagQuiet && isInteractive() {
				fmt.Printf("Watching messages for %s (ctrl-c to stop)\n", flagTeam)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = client.Listen(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flagTeam, "team", "", "Team to watch")
	return cmd
}
