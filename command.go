package moltgate

import (
	"fmt"
	"io"
	"os"

	"github.com/caddyserver/caddy/v2"
	caddycmd "github.com/caddyserver/caddy/v2/cmd"
	"github.com/spf13/cobra"
)

func init() {
	caddycmd.RegisterCommand(caddycmd.Command{
		Name:  "moltgate-token",
		Usage: "[--state-dir <dir>] [--reveal]",
		Short: "Resolves the gateway token",
		Long: `
Resolves the token the gateway authenticates with, the same way the
moltgate handler does: MOLTBOT_GATEWAY_TOKEN if set, otherwise the token
persisted in the state directory, otherwise a newly generated token which
is persisted for later runs.

The token itself is only printed with --reveal.`,
		CobraFunc: func(cmd *cobra.Command) {
			cmd.Flags().String("state-dir", "", "State directory (default from MOLTBOT_STATE_DIR)")
			cmd.Flags().Bool("reveal", false, "Print the token value")
			cmd.RunE = caddycmd.WrapCommandFuncForCobra(cmdToken)
		},
	})
}

func cmdToken(fl caddycmd.Flags) (int, error) {
	if err := printToken(os.Stdout, LoadSettings(nil), fl.String("state-dir"), fl.Bool("reveal")); err != nil {
		return caddy.ExitCodeFailedStartup, err
	}
	return caddy.ExitCodeSuccess, nil
}

func printToken(w io.Writer, settings Settings, stateDir string, reveal bool) error {
	if stateDir == "" {
		stateDir = settings.StateDir
	}

	tokens := NewTokenStore(settings.Token, stateDir, nil)
	token := tokens.Resolve()
	if reveal {
		_, err := fmt.Fprintln(w, token)
		return err
	}

	source := "file " + tokens.Path
	if tokens.Override != "" {
		source = "MOLTBOT_GATEWAY_TOKEN"
	}
	_, err := fmt.Fprintf(w, "gateway token: (set) source: %s\n", source)
	return err
}
