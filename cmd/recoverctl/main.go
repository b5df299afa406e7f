// recoverctl is the operator CLI: it provisions credentials, changes their
// status and verifies the audit chain directly against Postgres.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"recoverdesk.org/internal/audit"
	"recoverdesk.org/internal/auth"
	"recoverdesk.org/internal/config"
	"recoverdesk.org/internal/store/pg"
	"recoverdesk.org/internal/token"
)

type env struct {
	auth  *auth.Service
	chain *audit.Chain
	out   io.Writer
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	global := flag.NewFlagSet("recoverctl", flag.ExitOnError)
	configPath := global.String("config", os.Getenv("RECOVERDESK_CONFIG"), "Path to YAML config")
	_ = global.Parse(os.Args[1:])
	args := global.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("config: %w", err))
	}
	if cfg.Database.DSN == "" {
		fail(errors.New("database dsn is required (RECOVERDESK_DATABASE_DSN)"))
	}
	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		fail(fmt.Errorf("open db: %w", err))
	}
	defer store.Close()

	codec, err := token.NewCodec(cfg.Auth.Secret)
	if err != nil {
		fail(err)
	}
	chain := audit.NewChain(store.AuditLog())
	svc, err := auth.NewService(store.Credentials(), codec,
		auth.WithAuditChain(chain),
		auth.WithOpTimeout(cfg.Database.OpTimeout),
	)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, env{auth: svc, chain: chain, out: os.Stdout}, args); err != nil {
		cancel()
		fail(err)
	}
}

func run(ctx context.Context, e env, args []string) error {
	switch args[0] {
	case "provision":
		return cmdProvision(ctx, e, args[1:])
	case "status":
		return cmdStatus(ctx, e, args[1:])
	case "reset":
		return cmdReset(ctx, e, args[1:])
	case "audit":
		if len(args) < 2 {
			return errors.New("usage: recoverctl audit [verify|list]")
		}
		switch args[1] {
		case "verify":
			return cmdAuditVerify(ctx, e)
		case "list":
			return cmdAuditList(ctx, e, args[2:])
		}
		return fmt.Errorf("unknown audit command %q", args[1])
	case "help", "-h", "--help":
		printUsage(e.out)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func cmdProvision(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ns := fs.String("namespace", "agent", "agent or admin")
	email := fs.String("email", "", "Login email")
	password := fs.String("password", os.Getenv("RECOVERDESK_NEW_PASSWORD"), "Initial password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	namespace, err := auth.ParseNamespace(*ns)
	if err != nil {
		return err
	}
	p, err := e.auth.Provision(ctx, namespace, *email, *password)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(e.out, "provisioned %s %s\n", p.Role, p.Email)
	fmt.Fprintf(e.out, "  id: %s\n", p.ID)
	return nil
}

func cmdStatus(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Credential id")
	status := fs.String("set", "", "active, inactive or suspended")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := auth.ParseStatus(*status)
	if err != nil {
		return err
	}
	p, err := e.auth.SetStatus(ctx, *id, st)
	if err != nil {
		return err
	}
	color.New(color.FgYellow).Fprintf(e.out, "%s is now %s\n", p.Email, p.Status)
	return nil
}

func cmdReset(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "Credential id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.auth.Reset(ctx, *id); err != nil {
		return err
	}
	color.New(color.FgYellow).Fprintf(e.out, "credential %s reset\n", *id)
	return nil
}

func cmdAuditVerify(ctx context.Context, e env) error {
	rep, err := e.chain.Verify(ctx)
	if err != nil {
		return err
	}
	if rep.Valid {
		color.New(color.FgGreen).Fprintf(e.out, "chain intact: %d entries\n", rep.Entries)
		return nil
	}
	color.New(color.FgRed, color.Bold).Fprintf(e.out, "chain broken at #%d (%s): %s\n", rep.BrokenAt, rep.EntryID, rep.Reason)
	return errChainBroken
}

var errChainBroken = errors.New("audit chain verification failed")

func cmdAuditList(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("n", 20, "Most recent entries to show")
	asJSON := fs.Bool("json", false, "Emit JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := e.chain.Entries(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(entries) > *limit {
		entries = entries[len(entries)-*limit:]
	}
	if *asJSON {
		enc := json.NewEncoder(e.out)
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	}
	gray := color.New(color.FgHiBlack)
	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tRESOURCE\tHASH")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			entry.Timestamp.Format(time.RFC3339), entry.Actor, entry.Action, entry.Resource, gray.Sprint(short(entry.Hash)))
	}
	return w.Flush()
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: recoverctl [-config path] <command> [flags]

commands:
  provision -namespace agent|admin -email addr [-password pw]
  status    -id id -set active|inactive|suspended
  reset     -id id
  audit verify
  audit list [-n 20] [-json]`)
}

func fail(err error) {
	color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
