package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dhan-tracker/internal/broker"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/security"
)

func addTokenCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the broker access token",
	}

	cmd.AddCommand(newTokenSetCmd(app))
	cmd.AddCommand(newTokenShowCmd(app))
	cmd.AddCommand(newTokenRefreshCmd(app))
	rootCmd.AddCommand(cmd)
}

// tokenName returns the credential the configured broker authenticates with.
func (a *App) tokenName() string {
	if a.Config.Trading.Broker == "zerodha" {
		return security.ZerodhaAccessToken
	}
	return security.DhanAccessToken
}

func newTokenSetCmd(app *App) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:         "set <token>",
		Short:       "Store a freshly generated access token",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConnect: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if name == "" {
				name = app.tokenName()
			}
			value := strings.TrimSpace(args[0])
			if value == "" {
				return fmt.Errorf("token must not be empty")
			}
			if app.Credentials == nil {
				if err := app.openStore(); err != nil {
					return err
				}
				app.Credentials = app.credentialStore()
			}

			now := time.Now()
			tok := security.Token{Name: name, Value: value, UpdatedAt: now, ExpiresAt: now.Add(app.Config.Token.Lifetime)}
			if err := app.Credentials.SetToken(cmd.Context(), tok); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(tok)
			}
			output.Success("✓ Stored %s (%s), expires %s", name, security.MaskSecret(value), tok.ExpiresAt.Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "credential name (default: the configured broker's token)")
	return cmd
}

func newTokenShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Show the stored access token and its expiry",
		Annotations: map[string]string{skipConnect: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Credentials == nil {
				if err := app.openStore(); err != nil {
					return err
				}
				app.Credentials = app.credentialStore()
			}

			name := app.tokenName()
			tok, err := app.Credentials.GetToken(cmd.Context(), name)
			if errors.Is(err, apperrors.ErrDataNotFound) {
				output.Warning("No %s stored. Use 'dhan-tracker token set'.", name)
				return nil
			}
			if err != nil {
				return err
			}

			view := map[string]interface{}{
				"name":       tok.Name,
				"value":      security.MaskSecret(tok.Value),
				"updated_at": tok.UpdatedAt,
				"expired":    tok.Expired(time.Now()),
			}
			if !tok.ExpiresAt.IsZero() {
				view["expires_at"] = tok.ExpiresAt
			}
			if output.IsJSON() {
				return output.JSON(view)
			}

			output.Printf("Name:     %s\n", tok.Name)
			output.Printf("Token:    %s\n", security.MaskSecret(tok.Value))
			if !tok.UpdatedAt.IsZero() {
				output.Printf("Updated:  %s\n", tok.UpdatedAt.Format(time.RFC1123))
			}
			switch {
			case tok.ExpiresAt.IsZero():
				output.Dim("Expiry unknown")
			case tok.Expired(time.Now()):
				output.Error("Expired:  %s", tok.ExpiresAt.Format(time.RFC1123))
			default:
				output.Printf("Expires:  %s (in %s)\n", tok.ExpiresAt.Format(time.RFC1123), time.Until(tok.ExpiresAt).Round(time.Minute))
			}
			return nil
		},
	}
}

func newTokenRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token while it is still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			refresher, err := app.tokenRefresher()
			if err != nil {
				return err
			}

			token, err := refresher.Refresh(cmd.Context())
			if err != nil {
				if apperrors.IsAuthError(err) {
					output.Error("❌ The token has already expired. Generate a new one and run 'dhan-tracker token set'.")
				}
				return err
			}
			status := refresher.Status()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"token":      security.MaskSecret(token),
					"expires_at": status.ExpiresAt,
				})
			}
			output.Success("✓ Token renewed (%s), valid until %s", security.MaskSecret(token), status.ExpiresAt.Format(time.RFC1123))
			return nil
		},
	}
}

// tokenRefresher wires renewal for the live gateway. A paper book must not
// overwrite the stored broker token, so paper mode renews nothing.
func (a *App) tokenRefresher() (*security.TokenRefresher, error) {
	renewer, ok := a.Gateway.(broker.TokenRenewer)
	if !ok || a.Config.IsPaperMode() {
		return nil, fmt.Errorf("%s gateway: %w", a.Gateway.Name(), apperrors.ErrUnsupported)
	}
	r := security.NewTokenRefresher(a.tokenName(), renewer, a.Credentials, a.Config.RefreshConfig(), a.Logger).
		WithAlerter(a.Notifier).
		WithAudit(a.Audit)
	if sink, ok := a.Gateway.(security.TokenSink); ok {
		r = r.AddSink(sink)
	}
	return r, nil
}
