// Command tokensign issues a bearer token accepted by the gateway's C5
// verifier, signed with the HMAC secret from the gateway's own config.toml.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
)

func main() {
	subject := flag.String("subject", "", "token subject (X-AUTHED-SUB value); omitted means anonymous")
	expiration := flag.String("expiration", "", "expiration offset from now, e.g. 30d, 6m, 1y")
	configPath := flag.String("config", "config.toml", "path to the gateway's config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("tokensign: %v", err)
	}
	if cfg.JwtAuth.Secret == "" {
		log.Fatal("tokensign: config has no [jwt-auth] secret configured")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(now),
	}
	if *subject != "" {
		claims.Subject = *subject
	}
	if *expiration != "" {
		exp, err := parseExpiration(now, *expiration)
		if err != nil {
			log.Fatalf("tokensign: %v", err)
		}
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JwtAuth.Secret))
	if err != nil {
		log.Fatalf("tokensign: sign: %v", err)
	}
	fmt.Println(signed)
}

// parseExpiration parses a duration string with a trailing unit of d/m/y
// (days, months, years), matching the CLI's original expiration syntax.
func parseExpiration(from time.Time, expiration string) (time.Time, error) {
	if len(expiration) < 2 {
		return time.Time{}, fmt.Errorf("invalid expiration %q", expiration)
	}
	unit := expiration[len(expiration)-1:]
	length, err := strconv.Atoi(expiration[:len(expiration)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiration length in %q: %w", expiration, err)
	}

	switch unit {
	case "d":
		return from.AddDate(0, 0, length), nil
	case "m":
		return from.AddDate(0, length, 0), nil
	case "y":
		return from.AddDate(length, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%q is not a valid unit (want d, m, or y)", unit)
	}
}
