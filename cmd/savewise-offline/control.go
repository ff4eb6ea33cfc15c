package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	offline "github.com/savewise/offline-dispatcher"
	"github.com/savewise/offline-dispatcher/cache"
	"github.com/savewise/offline-dispatcher/config"
	"github.com/savewise/offline-dispatcher/server"
	"github.com/spf13/cobra"
)

var (
	serverFlag string
	tokenFlag  string
	actionFlag string
)

// control commands talk to a running serve process
var (
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Pre-cache the app shell again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControl(cmd.Context(), http.MethodPost, "/install", "")
		},
	}
	activateCmd = &cobra.Command{
		Use:   "activate",
		Short: "Delete stores of other generations and take control",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControl(cmd.Context(), http.MethodPost, "/activate", "")
		},
	}
	syncCmd = &cobra.Command{
		Use:   "sync [tag]",
		Short: "Trigger a background sync (default tag sync-transactions)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := offline.DefaultSyncTag
			if len(args) == 1 {
				tag = args[0]
			}
			return callControl(cmd.Context(), http.MethodPost, "/sync/"+url.PathEscape(tag), "")
		},
	}
	pushCmd = &cobra.Command{
		Use:   "push [message]",
		Short: "Show a push notification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControl(cmd.Context(), http.MethodPost, "/push", strings.Join(args, ""))
		},
	}
	clickCmd = &cobra.Command{
		Use:   "click <notification-id>",
		Short: "Simulate a click on a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/notifications/" + url.PathEscape(args[0]) + "/click?action=" + url.QueryEscape(actionFlag)
			return callControl(cmd.Context(), http.MethodPost, path, "")
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the dispatcher status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControl(cmd.Context(), http.MethodGet, "/status", "")
		},
	}
	storesCmd = &cobra.Command{
		Use:   "stores",
		Short: "List the stores and keys in the store DB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DB = dbFlag
			}
			if cfg.DB == config.MemoryDB {
				return fmt.Errorf("in-memory stores belong to the serve process")
			}
			return listStores(cmd.Context(), cmd.OutOrStdout(), cfg.DB)
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{installCmd, activateCmd, syncCmd, pushCmd, clickCmd, statusCmd} {
		cmd.Flags().StringVar(&serverFlag, "server", "http://localhost:8080", "Base URL of the running proxy")
		cmd.Flags().StringVar(&tokenFlag, "token", "", "Control token (default from the configuration)")
		rootCmd.AddCommand(cmd)
	}
	clickCmd.Flags().StringVar(&actionFlag, "action", "", "Action button clicked (explore, close or empty for the body)")
	storesCmd.Flags().StringVar(&dbFlag, "db", "", "Store DB file name")
	rootCmd.AddCommand(storesCmd)
}

func callControl(ctx context.Context, method, path, body string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	token := tokenFlag
	if token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token = cfg.ControlToken
	}
	uri := strings.TrimSuffix(serverFlag, "/") + server.ControlPrefix + path
	req, err := http.NewRequestWithContext(ctx, method, uri, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if token != "" {
		req.Header.Set(server.TokenHeader, token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if _, err := io.Copy(os.Stdout, res.Body); err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	return nil
}

func listStores(ctx context.Context, w io.Writer, db string) error {
	stores, err := cache.NewSQLiteStorage(db)
	if err != nil {
		return err
	}
	defer stores.Close()
	names, err := stores.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		store, err := stores.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (%d)\n", name, len(keys))
		for _, key := range keys {
			fmt.Fprintf(w, "  %s\n", key)
		}
	}
	return nil
}
