package main

import (
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fieldboard/board"
	"fieldboard/client"
)

var Version = "dev"

type options struct {
	apiURL   string
	token    string
	user     string
	debug    bool
	jsonLogs bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Inspect and rearrange your task board",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.apiURL == "" {
				return fmt.Errorf("missing --api-url or BOARD_API_URL")
			}
			if o.user == "" {
				o.user = subjectFromToken(o.token)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.apiURL, "api-url", os.Getenv("BOARD_API_URL"), "board API base URL")
	flags.StringVar(&o.token, "token", os.Getenv("BOARD_TOKEN"), "bearer token")
	flags.StringVar(&o.user, "user", os.Getenv("BOARD_USER"), "acting user id (defaults to the token subject)")
	flags.BoolVar(&o.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&o.jsonLogs, "json", false, "write logs as JSON")

	root.AddCommand(showCmd(o))
	root.AddCommand(moveCmd(o))
	root.AddCommand(addCmd(o))
	root.AddCommand(rmCmd(o))
	return root
}

func (o *options) logger(cmd *cobra.Command) *log.Logger {
	l := log.New()
	l.SetOutput(cmd.ErrOrStderr())
	if o.debug {
		l.SetLevel(log.DebugLevel)
	}
	if o.jsonLogs {
		l.SetFormatter(&log.JSONFormatter{})
	}
	return l
}

func (o *options) controller(cmd *cobra.Command, opts ...board.Option) *board.Controller {
	opts = append([]board.Option{board.WithLogger(o.logger(cmd))}, opts...)
	return board.New(client.New(o.apiURL, o.token), o.user, opts...)
}

// subjectFromToken reads the sub claim without verifying the signature. The
// API verifies the token; the CLI only needs to know who it acts as.
func subjectFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
