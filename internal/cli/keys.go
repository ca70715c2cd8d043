package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/policy"
)

func newHashKeyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [api-key]",
		Short: "Hash an API key for a principal's api_key_hash",
		Long:  "Hash an API key with Argon2id. Reads the key from stdin when no argument is given.",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return failure(err)
				}
				key = strings.TrimRight(line, "\r\n")
			}
			if key == "" {
				return usageErr("hash-key: empty key")
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(map[string]string{"api_key_hash": hash}, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, hash)
			})
		},
	}
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		privateKey string
		publicKey  string
		expiration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <principal-id>",
		Short: "Issue a JWT for a principal named in the policy",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if privateKey == "" || publicKey == "" {
				return usageErr("token: --private-key and --public-key are required")
			}
			p := policy.Default()
			if opts.Policy != "" {
				loaded, err := policy.Load(opts.Policy)
				if err != nil {
					return failure(err)
				}
				p = loaded
			}
			principal, ok := p.Principal(args[0])
			if !ok {
				return failure(fmt.Errorf("token: principal %q is not in the policy", args[0]))
			}

			mgr, err := auth.NewJWTManager(privateKey, publicKey, expiration)
			if err != nil {
				return failure(err)
			}
			tok, exp, err := mgr.IssueToken(principal)
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(model.AuthTokenResponse{Token: tok, ExpiresAt: exp}, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, tok)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&privateKey, "private-key", envOr("DUALCOMMIT_JWT_PRIVATE_KEY", ""), "Ed25519 private key (PEM)")
	fl.StringVar(&publicKey, "public-key", envOr("DUALCOMMIT_JWT_PUBLIC_KEY", ""), "Ed25519 public key (PEM)")
	fl.DurationVar(&expiration, "expiration", 24*time.Hour, "token lifetime")
	return cmd
}
