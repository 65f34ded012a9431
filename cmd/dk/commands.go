package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/draft-keeper/internal/config"
	"github.com/and161185/draft-keeper/internal/migrate"
	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/session"
	"github.com/and161185/draft-keeper/internal/syncer"
)

const defaultPushTimeout = 2 * time.Minute

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dk %s (%s)\n", version, buildDate)
		},
	}
}

func newLoginCmd(o *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token that keys local drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = string(b)
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("need --token")
			}
			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			exp := tokenExpiry(token)
			if !exp.IsZero() && !time.Now().Before(exp) {
				return errors.New("token already expired")
			}
			if err := saveToken(cfg.Credential.TokenFile, token, exp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token ('-' reads stdin)")
	return cmd
}

func newLogoutCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Purge every local draft and forget the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app) error {
				sched, err := a.newScheduler(nil, a.schedulerOptions())
				if err != nil {
					return err
				}
				n, err := session.New(sched, a.drafts, a.keys, nil, a.log).Logout(cmd.Context())
				if rerr := removeToken(a.cfg.Credential.TokenFile); rerr != nil {
					err = errors.Join(err, rerr)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d draft(s)\n", n)
				return nil
			})
		},
	}
}

// parseFields turns k=v pairs and null field names into snapshot fields.
func parseFields(pairs, nulls []string) (map[string]*string, error) {
	fields := make(map[string]*string, len(pairs)+len(nulls))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --field %q: want name=value", p)
		}
		val := v
		fields[k] = &val
	}
	for _, k := range nulls {
		if k == "" {
			return nil, errors.New("empty --null field name")
		}
		fields[k] = nil
	}
	return fields, nil
}

type backupResult struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func newBackupCmd(o *rootOptions) *cobra.Command {
	var (
		doc   string
		pairs []string
		nulls []string
		ver   int64
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypt and store a draft snapshot locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if doc == "" {
				return errors.New("need --doc")
			}
			fields, err := parseFields(pairs, nulls)
			if err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app) error {
				out := a.drafts.Backup(cmd.Context(), doc, model.DraftSnapshot{Fields: fields}, ver)
				res := backupResult{DocumentID: doc, Status: string(out.Status)}
				if out.Err != nil {
					res.Error = out.Err.Error()
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !out.OK() {
					return fmt.Errorf("backup %s: %s", doc, out.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "document id")
	cmd.Flags().StringArrayVar(&pairs, "field", nil, "field as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&nulls, "null", nil, "field set to null (repeatable)")
	cmd.Flags().Int64Var(&ver, "version", 0, "server version the edit is based on")
	return cmd
}

type restoreResult struct {
	DocumentID string             `json:"document_id"`
	Version    int64              `json:"version"`
	CapturedAt time.Time          `json:"captured_at"`
	Fields     map[string]*string `json:"fields"`
}

func newRestoreCmd(o *rootOptions) *cobra.Command {
	var doc string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Decrypt and print the local draft of a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if doc == "" {
				return errors.New("need --doc")
			}
			return o.withApp(cmd.Context(), func(a *app) error {
				r, ok := a.drafts.Restore(cmd.Context(), doc)
				if !ok {
					return fmt.Errorf("no draft for %s", doc)
				}
				return printJSON(cmd.OutOrStdout(), restoreResult{
					DocumentID: doc,
					Version:    r.Version,
					CapturedAt: r.CapturedAt.UTC(),
					Fields:     r.Snapshot.Fields,
				})
			})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "document id")
	return cmd
}

func newPendingCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List documents with a local draft",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app) error {
				ids, err := a.drafts.Pending(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newPushCmd(o *rootOptions) *cobra.Command {
	var (
		doc     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push local drafts to the server now and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return o.withApp(ctx, func(a *app) error {
				if a.cfg.Remote.BaseURL == "" {
					return errNoRemote
				}
				if _, err := a.keys.CurrentKey(); err != nil {
					return fmt.Errorf("local drafts are locked: %w", err)
				}
				sched, err := a.newScheduler(nil, a.schedulerOptions())
				if err != nil {
					return err
				}
				defer sched.Close()
				return push(ctx, cmd.OutOrStdout(), a, sched, doc)
			})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "document id (default: every pending draft)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultPushTimeout, "give up waiting after this long")
	return cmd
}

func push(ctx context.Context, w io.Writer, a *app, sched *syncer.Scheduler, doc string) error {
	var ids []string
	if doc != "" {
		ids = []string{doc}
		if err := sched.Flush(ctx, doc); err != nil {
			return err
		}
	} else {
		pending, err := a.drafts.Pending(ctx)
		if err != nil {
			return err
		}
		ids = pending
		if err := sched.FlushPending(ctx); err != nil {
			return err
		}
	}
	sort.Strings(ids)

	var failed []string
	for _, id := range ids {
		if err := sched.Await(ctx, id); err != nil {
			return err
		}
		st := sched.State(id)
		fmt.Fprintf(w, "%s\t%s\n", id, st)
		if st.Phase == model.PhaseError {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("push failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the postgres backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := o.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Storage.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate needs the postgres backend, have %q", cfg.Storage.Backend)
			}
			if err := migrate.Up(cmd.Context(), cfg.Storage.PostgresDSN); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			log.Info("migrations applied")
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
