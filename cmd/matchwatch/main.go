package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"matchwatch/internal/app"
	"matchwatch/internal/config"
	"matchwatch/internal/poller"
)

const usage = `usage: matchwatch [flags] <command> [args]

commands:
  run                          poll tracked accounts until interrupted (default)
  track <Name#TAG> <platform>  resolve and track an account (e.g. "Faker#KR1" KR)
  untrack <name|puuid> [platform]
  list                         show tracked accounts and their last seen match

flags:
`

func main() {
	var (
		cfgPath string
		envPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets (ignored when missing)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(cfgPath)
	case "track", "untrack", "list":
		err = registry(cfgPath, cmd, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The app context is not tied to the signal so Stop can drain in order.
	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if errors.Is(a.Err(), poller.ErrFatal) {
			reason = app.StopPollHalted
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
	return a.Err()
}

func registry(cfgPath, cmd string, args []string) error {
	r, err := app.OpenRegistry(cfgPath)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, time.Minute)
	defer cancelT()

	switch cmd {
	case "track":
		if len(args) != 2 {
			return errors.New("track: expected <Name#TAG> <platform>")
		}
		acct, err := r.Track(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("tracking %s (%s)\n", acct.DisplayName, acct.Key())
	case "untrack":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("untrack: expected <name|puuid> [platform]")
		}
		platform := ""
		if len(args) == 2 {
			platform = args[1]
		}
		acct, err := r.Untrack(ctx, args[0], platform)
		if err != nil {
			return err
		}
		fmt.Printf("untracked %s (%s)\n", acct.DisplayName, acct.Key())
	case "list":
		list, err := r.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPLATFORM\tLAST MATCH\tLAST POLLED")
		for _, st := range list {
			last, polled := "-", "never"
			if st.LastSeen != nil {
				if id := st.LastSeen.MatchID(); id != "" {
					last = id
				}
				polled = st.LastSeen.LastPolledAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Account.DisplayName, st.Account.Key().Region, last, polled)
		}
		return tw.Flush()
	}
	return nil
}
