package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pipeyard/internal/app"
	"pipeyard/internal/config"
	"pipeyard/internal/db"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/engine/auth"
	"pipeyard/internal/migrate"
	"pipeyard/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "yard",
	Short: "Pipe storage yard CLI",
	Long: `yard runs the capacity-constrained workflow of a pipe storage yard.
- Racks have a joint capacity and, optionally, a linear capacity in metres.
- Storage requests are approved against rack capacity, which is held until the pipe arrives.
- Loads move new -> approved -> in_transit -> completed; completing an inbound load stores inventory,
  completing an outbound load picks it up again.
- Only one load per request and direction may be open at a time.
- Every mutation writes an audit entry and a notification intent; 'yard relay' delivers the intents.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("YARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rackCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
}

func initCmd() *cobra.Command {
	var facility string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default yard.yml and prepare the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(facility)), 0o644); err != nil {
				return err
			}
			conn, cfg, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Initialized facility %s in %s (%d racks)\n", cfg.Facility.ID, workspace, len(cfg.Racks))
			return nil
		},
	}
	cmd.Flags().StringVar(&facility, "facility", "yard", "facility id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect yard.yml"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate yard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	}
}

func rackCmd() *cobra.Command {
	c := &cobra.Command{Use: "rack", Short: "Manage racks"}
	c.AddCommand(rackListCmd())
	c.AddCommand(rackSetCmd())
	return c
}

func rackListCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List racks with occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				racks, err := e.Repo.ListRacks(ctx, area)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(racks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Area", "Mode", "Capacity", "Occupied", "Reserved", "Available", "Linear m (occ/res/cap)", "Slot owner"})
				for _, rk := range racks {
					owner := ""
					if rk.SlotOwner != nil {
						owner = *rk.SlotOwner
					}
					linear := fmt.Sprintf("%s / %s / %s", rk.OccupiedLinear.StringFixed(1), rk.ReservedLinear.StringFixed(1), rk.CapacityLinear.StringFixed(1))
					tw.AppendRow(table.Row{rk.ID, rk.Area, rk.Mode, rk.Capacity, rk.Occupied, rk.Reserved, rk.Available(), linear, owner})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area filter")
	return cmd
}

func rackSetCmd() *cobra.Command {
	var in engine.RackInput
	var mode, linear string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create a rack or change its capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseMetres(linear)
			if err != nil {
				return fmt.Errorf("--linear: %w", err)
			}
			in.CapacityLinear = l
			in.Mode = domain.AllocationMode(mode)
			in.OperatorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rk, err := e.UpsertRack(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(rk)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "rack id")
	cmd.Flags().StringVar(&in.Area, "area", "", "area")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&mode, "mode", "count", "allocation mode (count|slot)")
	cmd.Flags().IntVar(&in.Capacity, "capacity", 0, "capacity in joints")
	cmd.Flags().StringVar(&linear, "linear", "", "linear capacity in metres")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("area")
	return cmd
}

func capacityCmd() *cobra.Command {
	var rackIDs []string
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Show capacity per area, or availability of chosen racks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(rackIDs) > 0 {
					a, err := e.Availability(ctx, rackIDs)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(a)
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Rack", "Available", "Available m"})
					for _, r := range a.PerRack {
						tw.AppendRow(table.Row{r.RackID, r.Count, r.Linear.StringFixed(1)})
					}
					tw.AppendFooter(table.Row{"Total", a.Count, a.Linear.StringFixed(1)})
					tw.Render()
					return nil
				}
				areas, err := e.Repo.CapacityByArea(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(areas)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Area", "Racks", "Capacity", "Occupied", "Reserved", "Available", "Linear m (occ/cap)"})
				for _, a := range areas {
					tw.AppendRow(table.Row{a.Area, a.Racks, a.Capacity, a.Occupied, a.Reserved, a.Available,
						a.OccupiedLinear.StringFixed(1) + " / " + a.CapacityLinear.StringFixed(1)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&rackIDs, "rack", nil, "rack ids to check availability for")
	return cmd
}

func operatorCmd() *cobra.Command {
	c := &cobra.Command{Use: "operator", Short: "Manage yard operators"}
	c.AddCommand(&cobra.Command{
		Use:   "add <actor-id>",
		Short: "Grant operator rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTx(cmd.Context(), func(ctx context.Context, e engine.Engine, tx *sql.Tx) error {
				return auth.Service{Repo: e.Repo}.Grant(ctx, tx, args[0])
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "remove <actor-id>",
		Short: "Revoke operator rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTx(cmd.Context(), func(ctx context.Context, e engine.Engine, tx *sql.Tx) error {
				return auth.Service{Repo: e.Repo}.Revoke(ctx, tx, args[0])
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ops, err := e.Repo.ListOperators(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ops)
			})
		},
	})
	return c
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := "yk_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
			rec := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   args[0],
				Name:      name,
				KeyHash:   repo.HashAPIKey(key),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			err := withTx(cmd.Context(), func(ctx context.Context, e engine.Engine, tx *sql.Tx) error {
				return e.Repo.InsertAPIKey(ctx, tx, rec)
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := ""
			if len(args) == 1 {
				actor = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTx(cmd.Context(), func(ctx context.Context, e engine.Engine, tx *sql.Tx) error {
				return e.Repo.DeleteAPIKey(ctx, tx, args[0])
			})
		},
	})
	return c
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check that rack occupancy matches stored inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Reconcile(ctx)
				if err != nil {
					return err
				}
				bad := 0
				for _, r := range rows {
					if r.Mismatch {
						bad++
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(rows); err != nil {
						return err
					}
				} else {
					tw := newTable()
					tw.AppendHeader(table.Row{"Rack", "Occupied", "Inventory", "Occupied m", "Inventory m", "OK"})
					for _, r := range rows {
						ok := "yes"
						if r.Mismatch {
							ok = "NO"
						}
						tw.AppendRow(table.Row{r.RackID, r.Occupied, r.InventoryCount, r.OccupiedLinear.StringFixed(3), r.InventoryLinear.StringFixed(3), ok})
					}
					tw.Render()
				}
				if bad > 0 {
					return fmt.Errorf("%d racks do not reconcile", bad)
				}
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Entity", "Detail"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.TS, a.ActorID, a.Action, a.EntityKind + " " + a.EntityID, a.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (request|load|rack)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().IntVar(&f.Limit, "n", 100, "max entries")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func withTx(ctx context.Context, fn func(context.Context, engine.Engine, *sql.Tx) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, e, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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
