package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/ticket"
)

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Mint helpdesk OAuth credentials (one-time setup wizard)",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runBootstrap(); err != nil {
				fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
				os.Exit(1)
			}
		},
	}
}

// runBootstrap walks the operator through the helpdesk OAuth consent flow
// and persists the resulting refresh token. The ticketer renews access
// tokens through it from then on; this wizard never runs again unless the
// grant is revoked.
func runBootstrap() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	existing := ticket.NewTokenManager(cfg.Helpdesk)
	if existing.State().RefreshToken != "" {
		var replace bool
		confirm := huh.NewConfirm().
			Title("Helpdesk credentials already exist at " + cfg.Helpdesk.TokenPath).
			Description("Re-running consent revokes nothing but overwrites the stored refresh token.").
			Affirmative("Replace").
			Negative("Keep").
			Value(&replace)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !replace {
			fmt.Println("Keeping existing credentials.")
			return nil
		}
	}

	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	clientID := cfg.Helpdesk.ClientID
	clientSecret := cfg.Helpdesk.ClientSecret
	orgID := cfg.Helpdesk.OrgID

	var fields []huh.Field
	if clientID == "" {
		fields = append(fields, huh.NewInput().
			Title("Client ID").
			Description("From the helpdesk API console (Self Client works fine).").
			Validate(required).
			Value(&clientID))
	}
	if clientSecret == "" {
		fields = append(fields, huh.NewInput().
			Title("Client secret").
			EchoMode(huh.EchoModePassword).
			Validate(required).
			Value(&clientSecret))
	}
	if orgID == "" {
		fields = append(fields, huh.NewInput().
			Title("Organization ID").
			Description("Numeric org id from the helpdesk admin page.").
			Validate(required).
			Value(&orgID))
	}
	if len(fields) > 0 {
		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return err
		}
	}

	cfg.Helpdesk.ClientID = clientID
	cfg.Helpdesk.ClientSecret = clientSecret
	tokens := ticket.NewTokenManager(cfg.Helpdesk)

	state := uuid.NewString()
	fmt.Println()
	fmt.Println("Open this URL in a browser and authorize the app:")
	fmt.Println()
	fmt.Println("  " + tokens.AuthURL(state))
	fmt.Println()
	fmt.Println("After consent you land on the redirect URI. Copy the `code` query")
	fmt.Println("parameter from that URL; grant codes expire in about a minute.")
	fmt.Println()

	var code string
	input := huh.NewInput().
		Title("Grant code").
		Validate(required).
		Value(&code)
	if err := input.Run(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tokens.Exchange(ctx, strings.TrimSpace(code), orgID); err != nil {
		return err
	}

	st := tokens.State()
	fmt.Println()
	fmt.Println("Credentials saved to " + cfg.Helpdesk.TokenPath)
	fmt.Printf("Access token valid until %s; refresh from then on is automatic.\n",
		st.Expiry.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("The client id and secret were NOT written to disk. Export them for")
	fmt.Println("the ticketer service:")
	fmt.Println()
	fmt.Println("  export MESABOT_HELPDESK_CLIENT_ID=" + clientID)
	fmt.Println("  export MESABOT_HELPDESK_CLIENT_SECRET=...")
	return nil
}
