package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rag-tutor/internal/auth"
	"rag-tutor/internal/config"
	"rag-tutor/internal/logging"
	"rag-tutor/internal/models"
	"rag-tutor/internal/realtime"
)

var (
	watchURL        string
	watchJSON       bool
	watchNewSession bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream pipeline events from a running server",
	Long: `Connects to the realtime channel and prints every pipeline event.
The connection is re-established after the reconnect backoff when it is lost.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "websocket URL (defaults to realtime.url)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print events as JSON lines")
	watchCmd.Flags().BoolVar(&watchNewSession, "new-session", false, "start a new session once connected")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.App)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	target, err := watchTarget(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var client *realtime.Client
	sessionRequested := false
	client = realtime.NewClient(target, realtime.TimingsFromConfig(cfg.Realtime),
		realtime.WithClientLogger(logger.Named("watch")),
		realtime.WithEventHandler(func(e models.Event) { printEvent(out, e) }),
		realtime.WithStateHandler(func(s realtime.State) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", s)
			if s == realtime.StateOpen && watchNewSession && !sessionRequested {
				sessionRequested = true
				if err := client.NewSession(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "new session: %v\n", err)
				}
			}
		}))

	return client.Run(ctx)
}

func watchTarget(cfg *config.Config) (string, error) {
	raw := watchURL
	if raw == "" {
		raw = cfg.Realtime.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", raw, err)
	}
	if cfg.Security.APIToken != "" {
		q := u.Query()
		q.Set(auth.TokenQueryParam, cfg.Security.APIToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func printEvent(w io.Writer, e models.Event) {
	if watchJSON {
		data, err := json.Marshal(e)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	line := fmt.Sprintf("%s %-10s %-7s %s", e.Timestamp.Local().Format("15:04:05"), e.Phase, e.Type, e.Message)
	if e.Progress != nil {
		line += fmt.Sprintf(" (%.0f%%)", *e.Progress*100)
	}
	fmt.Fprintln(w, line)
}
