package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pledgerails/internal/auth"
	"pledgerails/internal/escrow"
	"pledgerails/internal/pledge"
)

type globals struct {
	url       string
	token     string
	principal string
	hmac      string
	decimals  int
	timeout   time.Duration

	// chain mode: create, complete, settle and get go straight to the contract
	rpcURL     string
	contract   string
	privateKey string
}

func main() {
	defaultURL := strings.TrimSpace(os.Getenv("PLEDGE_API_URL"))
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:3000"
	}

	var g globals
	root := flag.NewFlagSet("pledgectl", flag.ExitOnError)
	root.StringVar(&g.url, "api", defaultURL, "pledge API base URL")
	root.StringVar(&g.token, "token", os.Getenv("PLEDGE_TOKEN"), "bearer token")
	root.StringVar(&g.principal, "as", os.Getenv("PLEDGE_PRINCIPAL"), "principal address for development servers without JWT")
	root.StringVar(&g.hmac, "hmac-secret", os.Getenv("HMAC_SECRET"), "operator secret for fund")
	root.IntVar(&g.decimals, "decimals", pledge.DefaultDecimals, "token decimals for amounts")
	root.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall command timeout")
	root.StringVar(&g.rpcURL, "chain-rpc", os.Getenv("CHAIN_RPC_URL"), "JSON-RPC endpoint; when set, pledge commands use the deployed contract")
	root.StringVar(&g.contract, "contract", os.Getenv("PLEDGE_CONTRACT_ADDRESS"), "pledge contract address for chain mode")
	root.StringVar(&g.privateKey, "private-key", os.Getenv("CHAIN_PRIVATE_KEY"), "hex key signing chain transactions")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	var err error
	switch args[0] {
	case "create":
		err = runCreate(ctx, g, args[1:])
	case "complete":
		err = withPledgeClient(ctx, g, func(c escrow.Client) error {
			return printJSON(c.MarkCompleted(ctx))
		})
	case "settle":
		err = runSettle(ctx, g, args[1:])
	case "get":
		err = runGet(ctx, g, args[1:])
	case "list":
		err = runList(ctx, g, args[1:])
	case "events":
		err = runEvents(ctx, g, args[1:])
	case "balance":
		err = runBalance(ctx, g, args[1:])
	case "fund":
		err = runFund(ctx, g, args[1:])
	case "token":
		err = runToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if pe, ok := pledge.AsError(err); ok {
			fmt.Fprintf(os.Stderr, "code=%s kind=%s retryable=%t\n", pe.Code, pe.Kind, pe.Retryable())
		}
		os.Exit(1)
	}
}

func usage() string {
	return strings.TrimSpace(`
usage: pledgectl [global flags] <command> [flags]

create, complete, settle and get talk to the contract instead of the API
when --chain-rpc and --contract are set.

commands:
  create   --description <text> --stake <amount> (--deadline <unix> | --in <duration>)
  complete
  settle   --address <creator>
  get      (--address <creator> | --id <pledge-id>)
  list     [--creator <addr>] [--status ongoing|completed|missed] [--after <id>] [--limit n]
  events   --handle <name> [--offset n] [--limit n]
  balance  --address <addr>
  fund     --address <addr> --amount <amount>
  token    --secret <jwt-secret> --subject <addr> [--ttl 24h] [--issuer s] [--audience s]`)
}

func withClient(g globals, fn func(*escrow.HTTPClient) error) error {
	cfg := escrow.HTTPClientConfig{BaseURL: g.url, Token: g.token, HMACSecret: g.hmac}
	if g.principal != "" {
		addr, err := pledge.ParseAddress(g.principal)
		if err != nil {
			return fmt.Errorf("--as: %w", err)
		}
		cfg.Principal = addr
	}
	c, err := escrow.NewHTTPClient(cfg)
	if err != nil {
		return err
	}
	return fn(c)
}

// withPledgeClient picks the contract client in chain mode and the API
// client otherwise.
func withPledgeClient(ctx context.Context, g globals, fn func(escrow.Client) error) error {
	if g.rpcURL == "" {
		return withClient(g, func(c *escrow.HTTPClient) error { return fn(c) })
	}
	if g.contract == "" {
		return errors.New("--contract is required with --chain-rpc")
	}
	c, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
		RPCURL:          g.rpcURL,
		PrivateKeyHex:   g.privateKey,
		ContractAddress: g.contract,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func runCreate(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	desc := fs.String("description", "", "what you commit to")
	stake := fs.String("stake", "", "stake in token units, e.g. 0.25")
	deadline := fs.Int64("deadline", 0, "deadline as unix seconds")
	in := fs.Duration("in", 0, "deadline relative to now")
	fs.Parse(args)

	amount, err := pledge.ParseAmount(*stake, g.decimals)
	if err != nil {
		return fmt.Errorf("--stake: %w", err)
	}
	switch {
	case *deadline != 0 && *in != 0:
		return errors.New("use either --deadline or --in")
	case *in != 0:
		*deadline = time.Now().Add(*in).Unix()
	case *deadline == 0:
		return errors.New("--deadline or --in is required")
	}
	return withPledgeClient(ctx, g, func(c escrow.Client) error {
		return printJSON(c.CreatePledge(ctx, escrow.CreatePledgeRequest{
			Description: *desc,
			Stake:       amount,
			Deadline:    *deadline,
		}))
	})
}

func runSettle(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("settle", flag.ExitOnError)
	address := fs.String("address", "", "creator of the pledge to settle")
	fs.Parse(args)
	subject, err := requireAddress("--address", *address)
	if err != nil {
		return err
	}
	return withPledgeClient(ctx, g, func(c escrow.Client) error {
		return printJSON(c.WithdrawOrBurn(ctx, subject))
	})
}

func runGet(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	address := fs.String("address", "", "creator address")
	id := fs.String("id", "", "pledge id")
	fs.Parse(args)

	if *id != "" {
		if g.rpcURL != "" {
			return errors.New("--id lookups need the API; the contract is keyed by creator")
		}
		pid, err := pledge.ParseID(*id)
		if err != nil {
			return fmt.Errorf("--id: %w", err)
		}
		return withClient(g, func(c *escrow.HTTPClient) error {
			return printJSON(c.GetPledgeByID(ctx, pid))
		})
	}
	addr, err := requireAddress("--address", *address)
	if err != nil {
		return err
	}
	return withPledgeClient(ctx, g, func(c escrow.Client) error {
		return printJSON(c.GetPledge(ctx, addr))
	})
}

func runList(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	creator := fs.String("creator", "", "only pledges of this creator")
	status := fs.String("status", "", "ongoing, completed or missed")
	after := fs.String("after", "", "continue after this pledge id")
	limit := fs.Int("limit", 0, "page size")
	fs.Parse(args)

	opts := escrow.ListOptions{Limit: *limit}
	if *creator != "" {
		addr, err := requireAddress("--creator", *creator)
		if err != nil {
			return err
		}
		opts.Creator = &addr
	}
	if *status != "" {
		s, err := pledge.ParseStatus(*status)
		if err != nil {
			return fmt.Errorf("--status: %w", err)
		}
		opts.Status = s
	}
	if *after != "" {
		id, err := pledge.ParseID(*after)
		if err != nil {
			return fmt.Errorf("--after: %w", err)
		}
		opts.AfterID = id
	}
	return withClient(g, func(c *escrow.HTTPClient) error {
		return printJSON(c.ListPledges(ctx, opts))
	})
}

func runEvents(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	handle := fs.String("handle", "", "event handle, e.g. pledge_created_events")
	offset := fs.Uint64("offset", 0, "first sequence number")
	limit := fs.Int("limit", 0, "page size")
	fs.Parse(args)
	if strings.TrimSpace(*handle) == "" {
		return errors.New("--handle is required")
	}
	return withClient(g, func(c *escrow.HTTPClient) error {
		return printJSON(c.Events(ctx, *handle, *offset, *limit))
	})
}

func runBalance(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	address := fs.String("address", "", "account address")
	fs.Parse(args)
	addr, err := requireAddress("--address", *address)
	if err != nil {
		return err
	}
	return withClient(g, func(c *escrow.HTTPClient) error {
		return printJSON(c.Balance(ctx, addr))
	})
}

func runFund(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("fund", flag.ExitOnError)
	address := fs.String("address", "", "account to credit")
	amountFlag := fs.String("amount", "", "amount in token units")
	fs.Parse(args)
	addr, err := requireAddress("--address", *address)
	if err != nil {
		return err
	}
	amount, err := pledge.ParseAmount(*amountFlag, g.decimals)
	if err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	return withClient(g, func(c *escrow.HTTPClient) error {
		return printJSON(c.Fund(ctx, addr, amount))
	})
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	subject := fs.String("subject", "", "principal address")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	issuer := fs.String("issuer", os.Getenv("JWT_ISSUER"), "iss claim")
	audience := fs.String("audience", os.Getenv("JWT_AUDIENCE"), "aud claim")
	fs.Parse(args)
	addr, err := requireAddress("--subject", *subject)
	if err != nil {
		return err
	}
	tok, err := auth.Issue(auth.Config{Secret: *secret, Issuer: *issuer, Audience: *audience}, addr, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func requireAddress(flagName, value string) (common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return common.Address{}, fmt.Errorf("%s is required", flagName)
	}
	addr, err := pledge.ParseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", flagName, err)
	}
	return addr, nil
}

func printJSON[T any](v T, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
