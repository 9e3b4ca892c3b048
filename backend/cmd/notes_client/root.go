package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"syncflow/backend/config"
	"syncflow/backend/internal/channel"
	"syncflow/backend/internal/noteapi"
	"syncflow/backend/internal/notes"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.ClientConfig
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "notes_client",
		Short:        "Headless client for the collaborative note editor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(a.v, a.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "client config file (default: clientConfig.yaml lookup)")
	pf.String("server", "", "collaborator base URL, e.g. http://localhost:8080")
	pf.String("username", "", "login username")
	pf.String("password", "", "login password")
	pf.String("token", "", "access token; skips login")
	pf.AddGoFlagSet(flag.CommandLine)
	a.v.BindPFlag("server.url", pf.Lookup("server"))
	a.v.BindPFlag("auth.username", pf.Lookup("username"))
	a.v.BindPFlag("auth.password", pf.Lookup("password"))
	a.v.BindPFlag("auth.token", pf.Lookup("token"))

	cmd.AddCommand(
		newNotesCmd(a),
		newCreateCmd(a),
		newWatchCmd(a),
		newEditCmd(a),
		newStyleCmd(a),
		newAppendCmd(a),
	)
	return cmd
}

// client 有 token 直接用，否则用用户名密码登录
func (a *app) client(ctx context.Context) (*noteapi.Client, error) {
	api := noteapi.New(a.cfg.Server.URL, a.cfg.Auth.Token)
	if api.Token() != "" {
		return api, nil
	}
	if a.cfg.Auth.Username == "" {
		return nil, errors.New("no credentials: set --token or --username/--password")
	}
	if _, err := api.Login(ctx, a.cfg.Auth.Username, a.cfg.Auth.Password); err != nil {
		return nil, fmt.Errorf("login as %s: %w", a.cfg.Auth.Username, err)
	}
	glog.V(1).Infof("[cli] logged in as %s", a.cfg.Auth.Username)
	return api, nil
}

func (a *app) session(api *noteapi.Client) *notes.Session {
	settings := channel.DefaultSettings()
	if a.cfg.Editor.ReconnectDelay > 0 {
		settings.ReconnectTimeout = a.cfg.Editor.ReconnectDelay
	}
	return notes.NewSession(notes.Config{
		// 留空时以服务端 welcome 下发的身份为准
		Identity:       a.cfg.Auth.Username,
		Token:          api.Token(),
		PropagateDelay: a.cfg.Editor.PropagateDelay,
		PersistDelay:   a.cfg.Editor.PersistDelay,
		Saver:          api,
	}, notes.WebsocketConnector{Connector: channel.NewConnector(a.cfg.Server.WS, settings)}, api)
}

func parseNoteID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid note id %q", s)
	}
	return id, nil
}

func parseLine(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid line number %q", s)
	}
	return n, nil
}
