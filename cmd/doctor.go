package cmd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/ticket"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

const doctorDialTimeout = 3 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, dependencies and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("mesabot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Bus:")
	checkRedis(ctx, cfg)

	fmt.Println()
	fmt.Println("  Transport:")
	checkBridge(cfg)
	checkSession(cfg)

	fmt.Println()
	fmt.Println("  Models:")
	checkModel("Primary", cfg.Classifier.Primary)
	checkModel("Secondary", cfg.Classifier.Secondary)

	fmt.Println()
	fmt.Println("  Helpdesk:")
	checkHelpdesk(cfg)

	fmt.Println()
	fmt.Println("  Alerts:")
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChat != 0 {
		printRow("Telegram", fmt.Sprintf("enabled (chat %d)", cfg.Alerts.TelegramChat))
	} else {
		printRow("Telegram", "(not configured)")
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		endpoint := cfg.Telemetry.Endpoint
		if endpoint == "" {
			endpoint = "default OTLP endpoint"
		}
		printRow("Tracing", "enabled, exporting to "+endpoint)
	} else {
		printRow("Tracing", "disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// printRow aligns values in one column. Labels can carry non-ASCII
// (department names, session names), so padding goes by display width.
func printRow(name, value string) {
	label := name + ":"
	pad := 14 - runewidth.StringWidth(label)
	if pad < 1 {
		pad = 1
	}
	fmt.Printf("    %s%s%s\n", label, strings.Repeat(" ", pad), value)
}

func checkRedis(ctx context.Context, cfg *config.Config) {
	b, err := bus.Connect(ctx, bus.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		printRow("Redis", fmt.Sprintf("CONNECT FAILED (%s)", err))
		return
	}
	defer b.Close()
	printRow("Redis", fmt.Sprintf("OK (%s db %d)", cfg.Redis.Addr, cfg.Redis.DB))
}

func checkBridge(cfg *config.Config) {
	raw := cfg.Transport.BridgeURL
	if raw == "" {
		printRow("Bridge", "(not configured)")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		printRow("Bridge", fmt.Sprintf("BAD URL (%s)", err))
		return
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, doctorDialTimeout)
	if err != nil {
		printRow("Bridge", fmt.Sprintf("UNREACHABLE (%s)", err))
		return
	}
	conn.Close()
	printRow("Bridge", "reachable ("+host+")")
}

func checkSession(cfg *config.Config) {
	sm := transport.NewSessionManager(cfg.Transport.SessionDir, cfg.Transport.SessionName)
	if !sm.Exists() {
		printRow("Session", "none (gateway will print a QR on first run)")
		return
	}
	if err := sm.Validate(); err != nil {
		printRow("Session", fmt.Sprintf("INVALID (%s)", err))
		return
	}
	printRow("Session", "OK ("+sm.Path()+")")
}

func checkModel(name string, cfg config.LLMConfig) {
	if cfg.APIKey == "" {
		printRow(name, cfg.Model+" (NO API KEY)")
		return
	}
	printRow(name, cfg.Model+" "+maskKey(cfg.APIKey))
}

func checkHelpdesk(cfg *config.Config) {
	if cfg.Helpdesk.ClientID == "" || cfg.Helpdesk.ClientSecret == "" {
		printRow("OAuth app", "(client id/secret not in env)")
	} else {
		printRow("OAuth app", maskKey(cfg.Helpdesk.ClientID))
	}

	tokens := ticket.NewTokenManager(cfg.Helpdesk)
	st := tokens.State()
	switch {
	case st.RefreshToken == "":
		printRow("Credentials", "missing, run: mesabot bootstrap")
	case st.Usable(time.Now()):
		printRow("Credentials", "OK (access token until "+st.Expiry.Format(time.RFC3339)+")")
	default:
		printRow("Credentials", "refresh token on disk, access token will renew on demand")
	}
	if st.OrgID != "" {
		printRow("Org", st.OrgID)
	}
	if cfg.Helpdesk.DepartmentID != "" {
		printRow("Department", cfg.Helpdesk.DepartmentID)
	}

	if st.RefreshToken != "" {
		ctx, cancel := context.WithTimeout(context.Background(), doctorDialTimeout)
		defer cancel()
		if err := ticket.NewClient(cfg.Helpdesk, tokens).Ping(ctx); err != nil {
			printRow("API", fmt.Sprintf("UNREACHABLE (%s)", err))
		} else {
			printRow("API", "OK ("+cfg.Helpdesk.BaseURL+")")
		}
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "(set)"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
