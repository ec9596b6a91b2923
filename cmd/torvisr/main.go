package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createHashPasswordCommand(c),
		createHashAPIPasswordCommand(c),
		createServiceCommand(c),
		createStatusCommand(c),
		createKillCommand(c),
		createHistoryCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "torvisr",
		Short: "Tor process supervisor and hidden-service controller",
		Long: `Torvisr launches and supervises a Tor daemon, authenticates to its
control port and manages onion services on behalf of an application.

Examples:
  torvisr serve torvisr.toml        # Start Tor and the API
  torvisr service create --virt-port=80 --target-port=8080
  torvisr status --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8080/api or the logged in server)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	cmd.Flags().BoolVar(&f.SkipVerify, "insecure", false, "skip TLS certificate verification")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start Tor and the torvisr API",
		Long: `Start Tor, create the configured onion services and serve the HTTP API
until SIGINT or SIGTERM, then terminate Tor.

Examples:
  torvisr serve                     # Defaults, or --config
  torvisr serve torvisr.toml
  torvisr serve torvisr.toml --daemonize --pidfile=/run/torvisr.pid --logfile=/var/log/torvisr.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createHashPasswordCommand(c command) *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a fresh control password and its HashedControlPassword",
		Long: `Generate a random control password and hash it the way Tor expects.
The hash is computed in process unless --tor-path is given, in which case
the Tor binary is asked via --hash-password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.TorPath, "tor-path", "", "hash with this tor binary")
	return cmd
}

func createHashAPIPasswordCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-api-password <password>",
		Short: "Print the bcrypt hash for a [[server.auth.users]] entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashAPIPassword(args[0])
		},
	}
}

func createServiceCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage onion services on a running daemon",
	}
	cmd.AddCommand(
		createServiceCreateCommand(c),
		createServiceDestroyCommand(c),
		createServiceGetCommand(c),
		createServiceListCommand(c),
	)
	return cmd
}

func createServiceCreateCommand(c command) *cobra.Command {
	flags := &ServiceCreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an onion service",
		Long: `Create an onion service forwarding virt-port to 127.0.0.1:target-port.
Without --private-key Tor generates a key, which is printed once.

Examples:
  torvisr service create --virt-port=80 --target-port=8080
  torvisr service create --virt-port=80 --target-port=8080 --private-key=ED25519-V3:...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CreateService(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.VirtPort, "virt-port", 0, "port exposed on the onion address (required)")
	cmd.Flags().IntVar(&flags.TargetPort, "target-port", 0, "local port traffic is forwarded to (required)")
	cmd.Flags().StringVar(&flags.PrivateKey, "private-key", "", "existing key in Tor's TYPE:BLOB form")
	addAPIFlags(cmd, &flags.APIFlags)
	mustRequire(cmd, "virt-port", "target-port")
	return cmd
}

func createServiceDestroyCommand(c command) *cobra.Command {
	flags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "destroy <service-id>",
		Short: "Remove an onion service by id or address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.DestroyService(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createServiceGetCommand(c command) *cobra.Command {
	flags := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the onion address cached for a virtual port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.GetService(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.VirtPort, "virt-port", 0, "virtual port (required)")
	addAPIFlags(cmd, &flags.APIFlags)
	mustRequire(cmd, "virt-port")
	return cmd
}

func createServiceListCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached onion services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ListServices(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		Long: `Show the supervisor state, Tor PID, ports and bootstrap progress.

Examples:
  torvisr status
  torvisr status --api-url=http://remote:8080/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createKillCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Terminate the supervised Tor process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded supervisor and service events",
		Long: `Show lifecycle events stored by the daemon's history sink, newest first.

Examples:
  torvisr history
  torvisr history --type=attempt_failed --since=24h
  torvisr history --limit=500 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "only events of this type (spawn, bootstrapped, service_created...)")
	cmd.Flags().DurationVar(&flags.Since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "maximum number of events (daemon default 100)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createLoginCommand(c command) *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to a torvisr daemon",
		Long: `Login and save the token for later commands.

Examples:
  torvisr login --username=admin --password=secret
  torvisr login --api-url=https://remote:8443/api --username=admin --password=secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username")
	cmd.Flags().StringVar(&flags.Password, "password", "", "password")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createLogoutCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session (current daemon, or --api-url)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon whose session to forget")
	return cmd
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err)
		}
	}
}
