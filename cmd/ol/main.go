package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"offerline/internal/app"
	"offerline/internal/config"
	"offerline/internal/db"
	"offerline/internal/domain"
	"offerline/internal/engine"
	"offerline/internal/migrate"
	"offerline/internal/repo"
	"offerline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Offerline CLI",
	Long: `Offerline runs a request/offer marketplace for on-demand service domains
(roadside assistance, mechanical repair, cargo transport, trip rides).
Requesters post requests, providers bid with offers, the first accepted
offer wins the assignment, and completion settles into the ledger.
Expired requests and offers are reaped in the background ('ol reaper run').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OFFERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("marketplace", "local-market", "marketplace id (used when no config file exists)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("marketplace", rootCmd.PersistentFlags().Lookup("marketplace"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(reaperCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage requests",
		Long:  "Requests are posted needs. They start accepting offers, get assigned to the first accepted offer, then move through in-progress to completion (or expire, cancel, decline).",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestDeclineCmd())
	req.AddCommand(requestStartCmd())
	req.AddCommand(requestCompleteCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var id, domainTag, requester, payload, expiry string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateRequestOptions{
				ID:          id,
				Domain:      domainTag,
				RequesterID: requester,
				PayloadJSON: payload,
				Expiry:      expiry,
				ActorID:     viper.GetString("actor-id"),
			}
			if opts.RequesterID == "" {
				opts.RequesterID = viper.GetString("actor-id")
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&domainTag, "domain", "", "marketplace domain")
	cmd.Flags().StringVar(&requester, "requester-id", "", "requester (defaults to --actor-id)")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON (location, description, ...)")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry timestamp (RFC3339)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Domain", "Status", "Requester", "Expiry", "Created"})
				for _, r := range items {
					expiry := ""
					if r.Expiry != nil {
						expiry = *r.Expiry
					}
					tw.AppendRow(table.Row{r.ID, r.Domain, r.Status, r.RequesterID, expiry, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Domain, "domain", "", "domain filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester-id", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				offers, err := e.Repo.ListOffers(ctx, repo.OfferFilters{RequestID: r.ID})
				if err != nil {
					return err
				}
				out := map[string]any{"request": r, "offers": offers}
				if a, err := e.Repo.GetAssignment(ctx, r.ID); err == nil {
					out["assignment"] = a
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func requestCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.CancelRequest(ctx, args[0], reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func requestDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeclineRequest(ctx, args[0], reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decline reason")
	return cmd
}

func requestStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Move an assigned request into progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.StartWork(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestCompleteCmd() *cobra.Command {
	var settlement int64
	var note string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the assignment and post the settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			details := engine.CompletionDetails{Note: note}
			if cmd.Flags().Changed("settlement-cents") {
				details.SettlementCents = &settlement
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.CompleteAssignment(ctx, args[0], details, viper.GetString("actor-id")); err != nil {
					return err
				}
				a, err := e.Repo.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&settlement, "settlement-cents", 0, "settlement amount (defaults to accepted price)")
	cmd.Flags().StringVar(&note, "note", "", "completion note")
	return cmd
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{
		Use:   "offer",
		Short: "Manage offers",
		Long:  "Offers are provider bids on an open request. Accepting one assigns the request and supersedes the rest; providers can withdraw, requesters can decline.",
	}
	offer.AddCommand(offerSubmitCmd())
	offer.AddCommand(offerListCmd())
	offer.AddCommand(offerShowCmd())
	offer.AddCommand(offerAcceptCmd())
	offer.AddCommand(offerDeclineCmd())
	offer.AddCommand(offerWithdrawCmd())
	return offer
}

func offerSubmitCmd() *cobra.Command {
	var id, requestID, provider, note, expiry string
	var price int64
	var eta int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an offer on a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SubmitOfferOptions{
				ID:         id,
				RequestID:  requestID,
				ProviderID: provider,
				PriceCents: price,
				Note:       note,
				Expiry:     expiry,
				ActorID:    viper.GetString("actor-id"),
			}
			if opts.ProviderID == "" {
				opts.ProviderID = viper.GetString("actor-id")
			}
			if cmd.Flags().Changed("eta-minutes") {
				opts.ETAMinutes = &eta
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SubmitOffer(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "offer id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	cmd.Flags().StringVar(&provider, "provider-id", "", "provider (defaults to --actor-id)")
	cmd.Flags().Int64Var(&price, "price-cents", 0, "price in cents")
	cmd.Flags().IntVar(&eta, "eta-minutes", 0, "estimated time of arrival")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry timestamp (RFC3339, defaults to config TTL)")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("price-cents")
	return cmd
}

func offerListCmd() *cobra.Command {
	var f repo.OfferFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOffers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Request", "Provider", "Price", "Status", "Expiry"})
				for _, o := range items {
					expiry := ""
					if o.Expiry != nil {
						expiry = *o.Expiry
					}
					tw.AppendRow(table.Row{o.ID, o.RequestID, o.ProviderID, formatCents(o.PriceCents), o.Status, expiry})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider-id", "", "provider filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func offerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func offerAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an offer (first acceptor wins)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				a, err := e.AcceptOffer(ctx, o.RequestID, o.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func offerDeclineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeclineOffer(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				o, err := e.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func offerWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw your own offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.WithdrawOffer(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				o, err := e.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	assignment := &cobra.Command{Use: "assignment", Short: "Inspect assignments"}
	show := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the assignment for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	assignment.AddCommand(show)
	return assignment
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Inspect the settlement ledger"}
	list := &cobra.Command{
		Use:   "list <request-id>",
		Short: "List ledger entries for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListLedgerEntries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Type", "Amount", "Created"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.AccountID, entry.EntryType, formatCents(entry.Amount), entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	ledger.AddCommand(list)
	return ledger
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var domainTag, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, domainTag, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&domainTag, "domain", "", "domain filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (request, offer)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func reaperCmd() *cobra.Command {
	reaper := &cobra.Command{Use: "reaper", Short: "Expiry reaper"}
	reaper.AddCommand(reaperSweepCmd())
	reaper.AddCommand(reaperRunCmd())
	return reaper
}

func reaperSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func reaperRunCmd() *cobra.Command {
	var intervalSeconds int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reaper loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				interval := intervalSeconds
				if interval <= 0 && e.Config != nil {
					interval = e.Config.Reaper.SweepIntervalSeconds
				}
				r := engine.Reaper{
					Engine:   e,
					Interval: time.Duration(interval) * time.Second,
				}
				fmt.Printf("Reaper sweeping every %ds (Ctrl-C to stop)\n", interval)
				r.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&intervalSeconds, "interval", 0, "sweep interval seconds (defaults to config)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw, err := generateAPIKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					lastUsed := "never"
					if k.LastUsedAt != nil {
						lastUsed = *k.LastUsedAt
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"config":         e.Config,
					"schema_version": v,
				})
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			content := config.GenerateDefault(viper.GetString("marketplace"))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a config file and install it into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			path := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Imported config for marketplace %s into %s\n", cfg.Marketplace.ID, path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withReaper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(viper.GetString("workspace"), viper.GetString("marketplace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("OFFERLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OFFERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Lifetime: cmd.Context(),
			})
			if err != nil {
				return err
			}
			if withReaper {
				r := engine.Reaper{
					Engine:   appCtx.Engine,
					Interval: time.Duration(appCtx.Config.Reaper.SweepIntervalSeconds) * time.Second,
				}
				go r.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Offerline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withReaper, "reaper", true, "run the expiry reaper alongside the server")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Open(viper.GetString("workspace"), viper.GetString("marketplace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return repo.APIKeyPrefix + hex.EncodeToString(buf), nil
}
