package cmd

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/teemow/handovermail/internal/google"
)

// credentialStore is the part of google.KeyringStore the auth commands use.
type credentialStore interface {
	Put(ctx context.Context, user string, tok *oauth2.Token) error
	Delete(ctx context.Context, user string) error
	Users() ([]string, error)
}

func newAuthCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Google credentials of dispatching users",
	}

	open := func() (credentialStore, error) {
		return google.OpenKeyring(c.cfg.Keyring())
	}

	cmd.AddCommand(newAuthLoginCmd(c, open))
	cmd.AddCommand(newAuthImportCmd(open))
	cmd.AddCommand(newAuthListCmd(open))
	cmd.AddCommand(newAuthLogoutCmd(open))
	return cmd
}

func newAuthLoginCmd(c *cli, open func() (credentialStore, error)) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize a Google account and store its credential",
		Long: `Print the Google consent URL, read the authorization code from stdin and
store the resulting refresh token for the user. Run this again when a
dispatch reports that re-authentication is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			oauthCfg := c.cfg.GoogleOAuth()
			if oauthCfg.ClientID == "" || oauthCfg.ClientSecret == "" {
				return errors.New("oauth.client_id and oauth.client_secret must be configured")
			}
			store, err := open()
			if err != nil {
				return err
			}
			return login(cmd.Context(), google.NewOAuthConfig(oauthCfg), store, user, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Google account to authorize (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func login(ctx context.Context, conf *oauth2.Config, store credentialStore, user string, in io.Reader, out io.Writer) error {
	state, err := randomState()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sign in as %s and open this URL:\n\n%s\n\nEnter the authorization code: ", user, google.AuthCodeURL(conf, state))

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("no authorization code entered")
	}

	tok, err := google.Exchange(ctx, conf, code)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, user, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored credential for %s\n", user)
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newAuthImportCmd(open func() (credentialStore, error)) *cobra.Command {
	var (
		user      string
		tokenFile string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store an existing OAuth token file for a user",
		Long:  `Store an OAuth token obtained elsewhere. The file must hold the JSON encoding of an oauth2 token with a refresh token.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := readToken(tokenFile)
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Put(cmd.Context(), user, tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s\n", user)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Google account the token belongs to (required)")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to the token JSON (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("token-file")
	return cmd
}

func readToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no refresh token", path)
	}
	return &tok, nil
}

func newAuthListCmd(open func() (credentialStore, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users with a stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			users, err := store.Users()
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
}

func newAuthLogoutCmd(open func() (credentialStore, error)) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s\n", user)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Google account to remove (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
