package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"cachewarmer/internal/app"
	"cachewarmer/internal/refresh"
	"cachewarmer/internal/storage"
	"cachewarmer/internal/warmer"
)

// withApp opens the stores for a one-off command. Triggers are registered
// and persisted but never fire in this process.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(c.String(flagConfig))
	if err != nil {
		return err
	}
	runErr := fn(c.Context, a)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, app.StopCommandDone); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func cycleCommand() *cli.Command {
	return &cli.Command{
		Name:  "cycle",
		Usage: "run one cycle now and print its report",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "backup", Usage: "run as the backup trigger would"},
		},
		Action: func(c *cli.Context) error {
			kind := warmer.KindPrimary
			if c.Bool("backup") {
				kind = warmer.KindBackup
			}
			return withApp(c, func(ctx context.Context, a *app.App) error {
				rep, err := a.Warmer().Cycle(ctx, kind)
				w := c.App.Writer
				fmt.Fprintf(w, "cycle %s (%s): %s\n", rep.ID, rep.Kind, rep.State)
				fmt.Fprintf(w, "  executed=%d failed=%d dropped=%d took=%s\n",
					rep.Executed, rep.Failed, rep.Dropped, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
				if !rep.NextAt.IsZero() {
					fmt.Fprintf(w, "  next primary trigger: %s\n", rep.NextAt.Format(time.RFC3339))
				}
				return err
			})
		},
	}
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "list refresh entries in execution order",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store().List(ctx)
				if err != nil {
					return err
				}
				q := refresh.NewQueue(entries...)
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUERY\tOWNER\tNEXT\tINTERVAL\tRUNS\tFAILURES\tLAST ERROR")
				for _, e := range q.Snapshot() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						e.QueryID, e.Owner, e.NextExecution.Format(time.RFC3339), e.Interval,
						e.Executions, e.Failures, oneLine(e.LastError))
				}
				return tw.Flush()
			})
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "register or replace the refresh entry of a query",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Required: true, Usage: "query id"},
			&cli.StringFlag{Name: "owner", Required: true, Usage: "user the query runs as"},
			&cli.StringFlag{Name: "interval", Required: true, Usage: `refresh interval ("30m", "00:50", "0 0/30 * * * ?")`},
			&cli.StringFlag{Name: "first", Value: "now", Usage: `first execution, RFC3339 or "now"`},
		},
		Action: func(c *cli.Context) error {
			iv, err := refresh.ParseInterval(c.String("interval"))
			if err != nil {
				return fmt.Errorf("interval: %w", err)
			}
			first := time.Now()
			if raw := strings.TrimSpace(c.String("first")); raw != "" && !strings.EqualFold(raw, "now") {
				if first, err = time.Parse(time.RFC3339, raw); err != nil {
					return fmt.Errorf("first: %w", err)
				}
			}
			e := refresh.Entry{
				QueryID:       strings.TrimSpace(c.String("query")),
				Owner:         strings.TrimSpace(c.String("owner")),
				NextExecution: first,
				Interval:      iv,
			}
			return withApp(c, func(ctx context.Context, a *app.App) error {
				if _, ok := a.Config().Queries[e.QueryID]; !ok {
					fmt.Fprintf(c.App.ErrWriter, "warning: query %q is not defined in the config\n", e.QueryID)
				}
				if err := a.Store().Put(ctx, e); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "registered %s for %s, first run %s\n", e.QueryID, e.Owner, first.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func unregisterCommand() *cli.Command {
	return &cli.Command{
		Name:  "unregister",
		Usage: "remove the refresh entry of a query",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Required: true, Usage: "query id"},
		},
		Action: func(c *cli.Context) error {
			id := strings.TrimSpace(c.String("query"))
			return withApp(c, func(ctx context.Context, a *app.App) error {
				removed, err := a.Store().Delete(ctx, id)
				if err != nil {
					return err
				}
				if !removed {
					return cli.Exit(fmt.Sprintf("no entry for %s", id), 2)
				}
				fmt.Fprintf(c.App.Writer, "unregistered %s\n", id)
				return nil
			})
		},
	}
}

func triggersCommand() *cli.Command {
	return &cli.Command{
		Name:  "triggers",
		Usage: "list persisted trigger registrations",
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				jobs, err := a.JobStore().LoadJobs(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "GROUP\tNAME\tACTION\tKIND\tWHEN")
				for _, j := range jobs {
					when := j.Cron
					if j.Kind == storage.JobOnce {
						when = j.FireAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.Group, j.Name, j.Action, j.Kind, when)
				}
				return tw.Flush()
			})
		},
	}
}

func cachedCommand() *cli.Command {
	return &cli.Command{
		Name:  "cached",
		Usage: "print the cached result of a query for one owner",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Required: true, Usage: "query id"},
			&cli.StringFlag{Name: "owner", Required: true, Usage: "user the query ran as"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, func(ctx context.Context, a *app.App) error {
				res, err := a.Executor().Cached(ctx, c.String("query"), c.String("owner"))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "refreshed %s, %d rows\n%s\n",
					res.RefreshedAt.Format(time.RFC3339), res.RowCount, res.Payload)
				return nil
			})
		},
	}
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 60
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
