// Command devtoken mints a signed access token for local testing.
//
//	devtoken --user 7 --role CUSTOMER --ttl 2h
//
// The secret defaults to JWT_SECRET from the environment or .env.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/iliyamo/bus-seat-booking/internal/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	var (
		userID uint64
		role   string
		ttl    time.Duration
		secret string
	)
	flagSet := pflag.NewFlagSet("devtoken", pflag.ContinueOnError)
	flagSet.Uint64VarP(&userID, "user", "u", 1, "user id placed in the subject claim")
	flagSet.StringVarP(&role, "role", "r", utils.RoleCustomer, "CUSTOMER or ADMIN")
	flagSet.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flagSet.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	role = strings.ToUpper(role)
	if role != utils.RoleCustomer && role != utils.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	if secret == "" {
		return fmt.Errorf("no secret: set JWT_SECRET or pass --secret")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	tok, err := utils.NewAccessToken(secret, userID, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "user=%d role=%s expires=%s\n", userID, role, tok.Exp.Format(time.RFC3339))
	return nil
}
