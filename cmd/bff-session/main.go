// Command bff-session creates a session in the gateway's session store and
// prints the matching cookie. Operators use it to seed sessions when the
// sign-in flow runs elsewhere, and in development to get a working cookie.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"bff-gateway/internal/config"
	"bff-gateway/internal/model"
	"bff-gateway/internal/session"
)

var version = "dev"

type cli struct {
	Config   string        `kong:"short='c',help='Path to the gateway config file.',env='CONFIG_PATH'"`
	Subject  string        `kong:"required,help='Subject of the signed-in user (sub claim).'"`
	Token    string        `kong:"required,help='Access token attached to upstream calls.',env='BFF_ACCESS_TOKEN'"`
	Scheme   string        `kong:"default='Cookies',help='Authentication scheme recorded on the session.'"`
	Claim    []string      `kong:"short='C',sep='none',help='Extra claim as type=value (repeatable).'"`
	TTL      time.Duration `kong:"default='8h',help='Session lifetime.'"`
	TokenTTL time.Duration `kong:"default='1h',help='Access token lifetime recorded with the session.'"`
}

func main() {
	_ = godotenv.Load()

	var c cli
	kong.Parse(&c,
		kong.Name("bff-session"),
		kong.Description("Create a gateway session and print its cookie."),
		kong.Vars{"version": version},
	)

	cfg, err := config.Load(&config.CLI{Config: c.Config})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, &c, cfg, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli, cfg *config.Config, out io.Writer) error {
	if cfg.Session.Store.Driver == "memory" {
		return errors.New("the memory session store lives inside the gateway process; configure sqlite or postgres")
	}

	claims, err := parseClaims(c.Subject, c.Claim)
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.Session.Store.Driver, cfg.Session.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Init(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:          uuid.NewString(),
		Scheme:      c.Scheme,
		Claims:      claims,
		AccessToken: c.Token,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.TTL),
	}
	if c.TokenTTL > 0 {
		sess.AccessTokenExpiresAt = now.Add(c.TokenTTL)
	}
	if err := store.Put(ctx, sess); err != nil {
		return err
	}

	value, err := session.NewCookieCodec(cfg.Session.SigningKey).Encode(sess.ID, sess.ExpiresAt)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s=%s\n", cfg.Session.CookieName, value)
	return err
}

func parseClaims(subject string, raw []string) ([]model.Claim, error) {
	claims := []model.Claim{{Type: "sub", Value: subject}}
	for _, kv := range raw {
		typ, value, ok := strings.Cut(kv, "=")
		if !ok || typ == "" {
			return nil, fmt.Errorf("claim %q: want type=value", kv)
		}
		claims = append(claims, model.Claim{Type: typ, Value: value})
	}
	return claims, nil
}
