package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mailqueue/internal/app"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

const usage = `usage: mailqueued [-config path] [command]

commands:
  serve          run the daemon (default)
  flush          deliver pending messages once and exit
  metrics        print the dead/total counts line and exit
  dead           list dead letters
  requeue <id>   move a dead letter back to pending

flush may run next to a daemon on the same sqlite or postgres store: both
take the store's flush lease, and the later one exits with "flush already
in progress". The memory driver is private to each process.
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := app.NewBootLogger()
	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "" || cmd == "serve" {
		os.Exit(serve(ctx, a))
	}
	err = oneShot(ctx, a, cmd, flag.Args()[1:])
	_ = a.Stop(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx); err != nil {
		a.Logger().Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background())
		return 1
	}

	code := 0
	select {
	case <-ctx.Done():
	case <-a.Done():
		if err := a.Err(); err != nil {
			a.Logger().Error("fatal error; shutting down", logx.Err(err))
			code = 1
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		code = 1
	}
	return code
}

func oneShot(ctx context.Context, a *app.App, cmd string, args []string) error {
	q := a.Queue()
	switch cmd {
	case "flush":
		n, err := q.Flush(ctx)
		fmt.Printf("sent %d\n", n)
		return err
	case "metrics":
		return q.LogMetrics(ctx, nil)
	case "dead":
		rows, err := q.DeadLetters(ctx)
		if err != nil {
			return err
		}
		for _, m := range rows {
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", m.ID, m.CreatedAt.Format(time.RFC3339), m.Template, m.Recipient, m.Email)
		}
		return nil
	case "requeue":
		if len(args) != 1 {
			return errors.New("requeue needs exactly one id")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		newID, err := q.Requeue(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no dead letter with id %d", id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d as %d\n", id, newID)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
