package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/repo"
)

func requestCmd() *cobra.Command {
	c := &cobra.Command{Use: "request", Short: "Manage storage requests"}
	c.AddCommand(requestCreateCmd())
	c.AddCommand(&cobra.Command{
		Use:   "submit <request-id>",
		Short: "Submit a draft request for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.SubmitRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	})
	c.AddCommand(requestApproveCmd())
	c.AddCommand(requestRejectCmd())
	c.AddCommand(requestCloseCmd())
	c.AddCommand(requestListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				allocs, err := e.Repo.ListAllocations(ctx, e.DB, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"request": req, "allocations": allocs})
			})
		},
	})
	c.AddCommand(requestGateCmd())
	return c
}

func requestCreateCmd() *cobra.Command {
	var in engine.CreateRequestInput
	var length string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a storage request",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseMetres(length)
			if err != nil {
				return fmt.Errorf("--joint-length: %w", err)
			}
			in.JointLength = l
			in.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateRequest(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s %s (%d joints)\n", req.ID, req.Status, req.RequiredQuantity)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&in.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&in.CompanyName, "company-name", "", "company display name")
	cmd.Flags().StringVar(&in.Reference, "reference", "", "customer reference")
	cmd.Flags().IntVar(&in.RequiredQuantity, "quantity", 0, "joints to store")
	cmd.Flags().StringVar(&length, "joint-length", "", "average joint length in metres")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&in.Submit, "submit", false, "submit immediately")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	var in engine.ApproveInput
	var split []string
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a request and hold rack capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.RequestID = args[0]
			in.OperatorID = viper.GetString("actor-id")
			if len(split) > 0 {
				in.Split = map[string]int{}
				for _, part := range split {
					var rack string
					var qty int
					if _, err := fmt.Sscanf(strings.Replace(part, "=", " ", 1), "%s %d", &rack, &qty); err != nil {
						return fmt.Errorf("--split %q: want rack=quantity", part)
					}
					in.Split[rack] = qty
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Idempotent {
					fmt.Println("already approved")
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rack", "Joints", "Metres", "Held"})
				for _, a := range res.Allocations {
					tw.AppendRow(table.Row{a.RackID, a.Quantity, a.Linear.StringFixed(1), a.Held})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&in.RackIDs, "rack", nil, "racks to allocate from")
	cmd.Flags().IntVar(&in.RequiredQuantity, "quantity", 0, "override required quantity")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "approval notes")
	cmd.Flags().StringSliceVar(&split, "split", nil, "explicit split as rack=quantity")
	_ = cmd.MarkFlagRequired("rack")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Reject(ctx, engine.RejectInput{RequestID: args[0], Reason: reason, OperatorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <request-id>",
		Short: "Complete an approved request and release remaining holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CloseRequest(ctx, engine.CloseRequestInput{RequestID: args[0], Reason: reason, OperatorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Company", "Status", "Required", "Delivered", "Racks", "Updated"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.CompanyID, r.Status, r.RequiredQuantity, r.DeliveredQuantity, strings.Join(r.AssignedRackIDs, ","), r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "company filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max rows")
	return cmd
}

func requestGateCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "gate <request-id>",
		Short: "Check whether a new load may be created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.CanCreateLoad(ctx, args[0], domain.Direction(direction))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"request_id": args[0], "direction": direction, "can_create": ok})
				}
				if ok {
					fmt.Println("open: a new load may be created")
				} else {
					fmt.Println("closed: a load is still in progress")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(domain.Inbound), "inbound|outbound")
	return cmd
}

func loadCmd() *cobra.Command {
	c := &cobra.Command{Use: "load", Short: "Manage truck loads"}
	c.AddCommand(loadCreateCmd())
	c.AddCommand(loadTransitionCmd())
	c.AddCommand(loadInboundCmd())
	c.AddCommand(loadOutboundCmd())
	c.AddCommand(loadListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "show <load-id>",
		Short: "Show a load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLoad(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	})
	return c
}

func loadCreateCmd() *cobra.Command {
	var in engine.CreateLoadInput
	var direction string
	cmd := &cobra.Command{
		Use:   "create <request-id>",
		Short: "Plan a load for an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.RequestID = args[0]
			in.Direction = domain.Direction(direction)
			in.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLoad(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				fmt.Printf("%s %s #%d (%d joints)\n", l.ID, l.Direction, l.SequenceNumber, l.PlannedQuantity)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "load id (generated when empty)")
	cmd.Flags().StringVar(&direction, "direction", string(domain.Inbound), "inbound|outbound")
	cmd.Flags().IntVar(&in.PlannedQuantity, "quantity", 0, "planned joints")
	return cmd
}

func loadTransitionCmd() *cobra.Command {
	var in engine.TransitionInput
	var issues []string
	cmd := &cobra.Command{
		Use:   "transition <load-id> <status>",
		Short: "Move a load to approved, in_transit or rejected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.LoadID = args[0]
			in.Target = domain.LoadStatus(args[1])
			in.Issues = issues
			in.OperatorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Transition(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&in.Reason, "reason", "", "reason for rejection")
	cmd.Flags().StringSliceVar(&issues, "issue", nil, "correction issue (repeatable)")
	return cmd
}

func loadInboundCmd() *cobra.Command {
	var in engine.InboundCompletion
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "complete-inbound <load-id>",
		Short: "Record an arrived load and store its pipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.LoadID = args[0]
			in.OperatorID = viper.GetString("actor-id")
			if manifestPath != "" {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &in.Manifest); err != nil {
					return fmt.Errorf("manifest: %w", err)
				}
			} else {
				in.Manifest = domain.Manifest{TotalQuantity: in.ActualQuantity}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteInboundLoad(ctx, in)
				if err != nil {
					return err
				}
				return printCompletion(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.RackID, "rack", "", "rack the pipe was stored in")
	cmd.Flags().IntVar(&in.ActualQuantity, "quantity", 0, "joints received")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest JSON file")
	_ = cmd.MarkFlagRequired("rack")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func loadOutboundCmd() *cobra.Command {
	var in engine.OutboundCompletion
	cmd := &cobra.Command{
		Use:   "complete-outbound <load-id>",
		Short: "Record a pickup and release the picked units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.LoadID = args[0]
			in.OperatorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteOutboundLoad(ctx, in)
				if err != nil {
					return err
				}
				return printCompletion(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&in.UnitIDs, "unit", nil, "inventory unit ids")
	cmd.Flags().IntVar(&in.ActualQuantity, "quantity", 0, "joints picked up")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func loadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <request-id>",
		Short: "List the loads of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loads, err := e.Repo.ListLoads(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(loads)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Direction", "#", "Status", "Planned", "Completed", "Rack"})
				for _, l := range loads {
					completed, rack := "", ""
					if l.CompletedQuantity != nil {
						completed = fmt.Sprint(*l.CompletedQuantity)
					}
					if l.RackID != nil {
						rack = *l.RackID
					}
					tw.AppendRow(table.Row{l.ID, l.Direction, l.SequenceNumber, l.Status, l.PlannedQuantity, completed, rack})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func inventoryCmd() *cobra.Command {
	c := &cobra.Command{Use: "inventory", Short: "Inspect stored pipe"}
	var f repo.InventoryFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List inventory units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				units, err := e.Repo.ListInventory(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Company", "Request", "Rack", "Reference", "Grade", "Qty", "Length m", "Status"})
				total := 0
				for _, u := range units {
					total += u.Quantity
					tw.AppendRow(table.Row{u.ID, u.CompanyID, u.RequestID, u.RackID, u.Reference, u.Grade, u.Quantity, u.Length.StringFixed(2), u.Status})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "Total", total, "", ""})
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.CompanyID, "company", "", "company filter")
	list.Flags().StringVar(&f.RackID, "rack", "", "rack filter")
	list.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	list.Flags().StringVar(&f.LoadID, "load", "", "origin load filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter (pending|in_storage|picked_up)")
	c.AddCommand(list)
	return c
}

func printCompletion(res engine.CompletionResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("load %s completed; request %s delivered %d/%d (%s)\n",
		res.Load.ID, res.Request.ID, res.Request.DeliveredQuantity, res.Request.RequiredQuantity, res.Request.Status)
	tw := newTable()
	tw.AppendHeader(table.Row{"Unit", "Rack", "Qty", "Status"})
	for _, u := range res.Units {
		tw.AppendRow(table.Row{u.ID, u.RackID, u.Quantity, u.Status})
	}
	tw.Render()
	return nil
}

func parseMetres(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}
