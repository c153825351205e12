package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"nhbstable/cmd/internal/passphrase"
	market "nhbstable/config"
	"nhbstable/crypto"
	"nhbstable/services/stabled/auth"
	stabledconfig "nhbstable/services/stabled/config"
	"nhbstable/services/stabled/journal"
)

const (
	defaultPassEnv  = "STABLECTL_PASS"
	defaultEndpoint = "http://127.0.0.1:8085"
	defaultMarket   = "config/market.toml"
	defaultTTL      = 24 * time.Hour
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	var err error
	args := os.Args[3:]
	switch os.Args[1] + " " + os.Args[2] {
	case "account new":
		err = runAccountNew(args, os.Stdout)
	case "account show":
		err = runAccountShow(args, os.Stdout)
	case "token issue":
		err = runTokenIssue(args, os.Stdout)
	case "position get":
		err = runPositionGet(args, os.Stdout)
	case "market init":
		err = runMarketInit(args, os.Stdout)
	case "journal verify":
		err = runJournalVerify(args, os.Stdout)
	case "journal export":
		err = runJournalExport(args, os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: stablectl <command> [flags]

Commands:
  account new     generate a key and write an encrypted keystore
  account show    print the address stored in a keystore
  token issue     sign a stabled bearer token
  position get    fetch a position from a running stabled
  market init     write the default market definition
  journal verify  check the event journal hash chain
  journal export  write journal entries to a parquet file`)
}

func runAccountNew(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("account new", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return fmt.Errorf("-keystore is required")
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return printAccount(out, key)
}

func runAccountShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("account show", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	return printAccount(out, key)
}

func printAccount(out io.Writer, key *crypto.PrivateKey) error {
	addr := key.Address()
	_, err := fmt.Fprintf(out, "address: %s\nbech32:  %s\n", addr.Hex(), crypto.MustBech32(addr))
	return err
}

func runTokenIssue(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	subject := fs.String("subject", "", "Account address the token acts for")
	scopes := fs.String("scopes", auth.ScopePositionsWrite, "Comma separated scopes")
	ttl := fs.Duration("ttl", defaultTTL, "Token lifetime")
	issuer := fs.String("issuer", "nhbstable", "Expected token issuer")
	audience := fs.String("audience", "stabled", "Expected token audience")
	secretEnv := fs.String("secret-env", stabledconfig.EnvJWTSecret, "Environment variable containing the signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := passphrase.NewSource(*secretEnv, "token signing secret").Get()
	if err != nil {
		return err
	}
	token, err := issueToken(secret, *issuer, *audience, *subject, splitScopes(*scopes), *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func issueToken(secret, issuer, audience, subject string, scopes []string, ttl time.Duration) (string, error) {
	authenticator, err := auth.New(auth.Config{Secret: []byte(secret), Issuer: issuer, Audience: audience})
	if err != nil {
		return "", err
	}
	return authenticator.Issue(subject, scopes, ttl)
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, part := range strings.Split(raw, ",") {
		if scope := strings.TrimSpace(part); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

func runPositionGet(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("position get", flag.ContinueOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "stabled base URL")
	address := fs.String("address", "", "Account address (hex or bech32)")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	body, err := fetchPosition(ctx, http.DefaultClient, *endpoint, *address)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func fetchPosition(ctx context.Context, client *http.Client, endpoint, address string) ([]byte, error) {
	addr, err := crypto.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	target := base.JoinPath("v1", "positions", addr.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("stabled %d %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("stabled returned %s", resp.Status)
	}
	return body, nil
}

func runMarketInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("market init", flag.ContinueOnError)
	path := fs.String("path", defaultMarket, "Output path for the market definition")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}
	cfg, err := market.Load(*path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "wrote %s (%s, %d collateral assets)\n", *path, cfg.Label, len(cfg.CollateralAssets))
	return err
}

func journalFlags(fs *flag.FlagSet) (driver, dsn *string) {
	driver = fs.String("driver", "sqlite", "Journal driver (sqlite or postgres)")
	dsn = fs.String("dsn", "stabled-journal.db", "Journal data source name")
	return driver, dsn
}

func runJournalVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal verify", flag.ContinueOnError)
	driver, dsn := journalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	j, err := journal.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	defer j.Close()
	result, err := j.Verify(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "entries: %d\nhead:    %s\n", result.Entries, result.Head)
	return err
}

func runJournalExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal export", flag.ContinueOnError)
	driver, dsn := journalFlags(fs)
	path := fs.String("out", "stable-events.parquet", "Output parquet file")
	eventType := fs.String("type", "", "Only export this event type")
	account := fs.String("account", "", "Only export events for this account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := journal.Query{Type: strings.TrimSpace(*eventType)}
	if strings.TrimSpace(*account) != "" {
		addr, err := crypto.ParseAddress(*account)
		if err != nil {
			return err
		}
		q.Account = addr.Hex()
	}
	j, err := journal.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	defer j.Close()
	file, err := os.Create(*path)
	if err != nil {
		return fmt.Errorf("create %s: %w", *path, err)
	}
	n, err := j.ExportParquet(context.Background(), file, q)
	if err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", *path, err)
	}
	_, err = fmt.Fprintf(out, "wrote %d events to %s\n", n, *path)
	return err
}
