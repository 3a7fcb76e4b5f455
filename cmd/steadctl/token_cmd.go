package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stead.org/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		orgID  string
		actor  string
		ttl    time.Duration
		secret string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("secret") {
				secret = strings.TrimSpace(os.Getenv("STEAD_AUTH_SECRET"))
			}
			if secret == "" {
				return errors.New("missing secret: provide via --secret or STEAD_AUTH_SECRET")
			}
			actorType, err := auth.ParseActorType(actor)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(secret)
			if err != nil {
				return err
			}
			signed, err := tokens.Issue(auth.Identity{UserID: userID, OrgID: orgID, ActorType: actorType}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&actor, "actor", "USER", "actor type: USER, SYSTEM or AI_AGENT")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (env: STEAD_AUTH_SECRET)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
