package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func readToken(r io.Reader) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.NewDecoder(r).Decode(&tok); err != nil {
		return nil, errors.Wrap(err, "decoding token")
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, errors.New("token has neither an access nor a refresh token")
	}
	return &tok, nil
}

func newCredentialsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored OAuth 2.0 tokens",
	}

	imp := &cobra.Command{
		Use:   "import PRINCIPAL FILE",
		Short: "Store a principal's token read from a JSON file, or - for stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return errors.Wrap(err, "opening token file")
				}
				defer f.Close()
				in = f
			}
			tok, err := readToken(in)
			if err != nil {
				return err
			}
			creds, err := openCredentials(e.cfg, e.log())
			if err != nil {
				return err
			}
			if err := creds.Store(args[0], tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored token for %s\n", args[0])
			return nil
		},
	}

	forget := &cobra.Command{
		Use:   "forget PRINCIPAL",
		Short: "Remove a principal's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentials(e.cfg, e.log())
			if err != nil {
				return err
			}
			return creds.Forget(args[0])
		},
	}

	cmd.AddCommand(imp, forget)
	return cmd
}
