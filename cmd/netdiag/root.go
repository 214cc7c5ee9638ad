package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string
	cfg      *util.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "netdiag",
	Short: "Network diagnostics daemon",
	Long: `NetDiag runs network diagnostics in the background:
- Scheduled ping, DNS, traceroute, speed and Wi-Fi checks
- Continuous latency and packet loss monitoring with alerts
- Run history kept in a local database

Control the daemon with 'netdiag daemon' and watch it live with 'netdiag ui'.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.netdiag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(uiCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

func initConfig() {
	var err error
	cfg, err = util.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Client commands log to the console only; the daemon adds its file.
	util.InitLogger(util.LogOptions{Level: cfg.LogLevel, Console: true})
}

func newClient() *ipc.Client {
	return ipc.NewClient(cfg.SocketPath, cfg.RequestTimeout+5*time.Second)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netdiag version %s\n", version)
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for netdiag.

To load completions:

Bash:
  $ source <(netdiag completion bash)

Zsh:
  $ source <(netdiag completion zsh)

Fish:
  $ netdiag completion fish | source

PowerShell:
  PS> netdiag completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}
