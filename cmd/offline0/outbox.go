package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"offline0/internal/offline0"
)

func newOutboxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain queued mutations (stop the server first)",
	}
	cmd.AddCommand(newOutboxListCmd(v), newOutboxDrainCmd(v), newOutboxDeleteCmd(v))
	return cmd
}

func openOutbox(cfg offline0.Config) (offline0.OutboxStore, func() error, error) {
	ob, err := offline0.OpenOutbox(filepath.Join(cfg.Storage.Path, "outbox"), clockwork.NewRealClock())
	if err != nil {
		return nil, nil, err
	}
	return ob, ob.Close, nil
}

func newOutboxListCmd(v *viper.Viper) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print queued records as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ob, closeFn, err := openOutbox(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			recs, err := ob.ListAll(tag)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := enc.Encode(struct {
					ID        uint64 `json:"id"`
					Tag       string `json:"tag"`
					Method    string `json:"method"`
					URL       string `json:"url"`
					Bytes     int    `json:"bytes"`
					CreatedAt int64  `json:"created_at"`
				}{rec.ID, rec.Tag, rec.Method, rec.URL, len(rec.Body), rec.CreatedAt.Unix()}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only records with this tag")
	return cmd
}

func newOutboxDrainCmd(v *viper.Viper) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued records against the origin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ob, closeFn, err := openOutbox(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			tags := []string{tag}
			if tag == "" {
				tags = cfg.OutboxTags()
			}
			r := offline0.NewReplayer(ob, offline0.NewOriginTransport(cfg), nil)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, t := range tags {
				res, err := r.Drain(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("drain %s: %w", t, err)
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "drain only this tag (default: every configured tag)")
	return cmd
}

func newOutboxDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Drop queued records without replaying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ob, closeFn, err := openOutbox(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, a := range args {
				id, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					return fmt.Errorf("bad id %q: %w", a, err)
				}
				if _, err := ob.Get(id); err != nil {
					return err
				}
				if err := ob.Delete(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
			}
			return nil
		},
	}
}

func newCacheCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect cache storage (stop the server first)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "namespaces",
		Short: "List cache namespaces, marking the current generation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.Storage.Path, "cache")
			if _, err := os.Stat(dir); err != nil {
				return err
			}
			store, err := offline0.OpenBlobStore(dir, 1, 0)
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.ListNamespaces()
			if err != nil {
				return err
			}
			current := map[string]bool{
				offline0.NamespaceName(cfg.Cache.Prefix, "precache", cfg.Generation): true,
				offline0.NamespaceName(cfg.Cache.Prefix, "runtime", cfg.Generation):  true,
			}
			for _, n := range names {
				mark := " "
				if current[n] {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, n)
			}
			return nil
		},
	})
	return cmd
}
