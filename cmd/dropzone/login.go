package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/dropzone/internal/auth"
)

var (
	loginToken string
	loginIssue string
	loginTTL   time.Duration
	logout     bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a session token for uploads to a remote server",
	Long: `Validate a bearer token and save it to the token file. Without --token the
token is read from the terminal. With --issue and JWT_SECRET set, a token is
signed locally for the given user instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := tokenPath(cfg)
		if logout {
			if err := auth.DeleteToken(path); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		}

		tok := loginToken
		if loginIssue != "" {
			var err error
			tok, _, err = auth.Issue(cfg.JWTSecret, loginIssue, loginTTL)
			if err != nil {
				return err
			}
		}
		if tok == "" {
			fmt.Print("Token: ")
			var err error
			if tok, err = readSecret(); err != nil {
				return err
			}
		}

		session := auth.NewSession(cfg.JWTSecret, nil)
		if err := session.Login(tok); err != nil {
			return err
		}

		tf := &auth.TokenFile{
			Token:     tok,
			ExpiresAt: session.ExpiresAt(),
			Server:    cfg.RemoteURL,
			Username:  session.Username(),
		}
		if tf.ExpiresAt.IsZero() {
			tf.ExpiresAt = time.Now().Add(loginTTL)
		}
		if err := auth.SaveToken(path, tf); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Printf("Login successful! Token saved to %s\n", path)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "token to save instead of prompting")
	loginCmd.Flags().StringVar(&loginIssue, "issue", "", "sign a token for this username with JWT_SECRET")
	loginCmd.Flags().DurationVar(&loginTTL, "ttl", 30*24*time.Hour, "lifetime of issued tokens")
	loginCmd.Flags().BoolVar(&logout, "logout", false, "remove the saved token")
}
