// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package gwauth validates the signed bearer tokens on requests
// entering the gateway and resolves them to a platform identity.
package gwauth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the default error class for the gwauth package.
	Error = errs.Class("gwauth")

	mon = monkit.Package()
)

// TokenCookie carries the platform token for browser clients that
// cannot set an authorization header.
const TokenCookie = "trac-auth-token"

// Config adjusts how request tokens are validated.
type Config struct {
	Disable       bool   `help:"accept requests without a token, development environments only" default:"false" devDefault:"true"`
	PublicKeyFile string `help:"path of the pem encoded public key that signed the platform tokens" default:""`
	GuestID       string `help:"user id assigned to requests when authentication is disabled" default:"guest"`
	GuestName     string `help:"user name assigned to requests when authentication is disabled" default:"Guest User"`
}

// Identity is the validated user behind a request.
type Identity struct {
	UserID   string
	UserName string
}

// tokenClaims are the private claims the platform adds to its tokens.
type tokenClaims struct {
	Name string `json:"name"`
}

// Gate checks request tokens against the platform signing key.
type Gate struct {
	log       *zap.Logger
	config    Config
	algorithm jose.SignatureAlgorithm
	key       interface{}
}

// New builds the auth gate, loading the configured public key unless
// authentication is disabled.
func New(log *zap.Logger, config Config) (*Gate, error) {
	gate := &Gate{log: log, config: config}

	if config.Disable {
		log.Warn("token authentication is disabled, requests run as the guest user")
		return gate, nil
	}
	if config.PublicKeyFile == "" {
		return nil, tracerr.New(tracerr.Startup, "authentication is enabled but no public key is configured")
	}

	pemBytes, err := os.ReadFile(config.PublicKeyFile)
	if err != nil {
		return nil, tracerr.New(tracerr.Startup, "reading token public key: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, tracerr.New(tracerr.Startup, "token public key file %s is not pem encoded", config.PublicKeyFile)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, tracerr.New(tracerr.Startup, "parsing token public key: %v", err)
	}

	switch key := key.(type) {
	case ed25519.PublicKey:
		gate.algorithm = jose.EdDSA
		gate.key = key
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return nil, tracerr.New(tracerr.Startup, "unsupported token key curve %s", key.Curve.Params().Name)
		}
		gate.algorithm = jose.ES256
		gate.key = key
	default:
		return nil, tracerr.New(tracerr.Startup, "unsupported token key type %T", key)
	}

	return gate, nil
}

// Authenticate validates the token on r and returns the identity it
// carries. Requests without a valid token are unauthenticated.
func (gate *Gate) Authenticate(r *http.Request) (_ Identity, err error) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(&err)

	if gate.config.Disable {
		return Identity{UserID: gate.config.GuestID, UserName: gate.config.GuestName}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "request carries no authentication token")
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{gate.algorithm})
	if err != nil {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "malformed authentication token")
	}

	var claims jwt.Claims
	var private tokenClaims
	if err := parsed.Claims(gate.key, &claims, &private); err != nil {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "token signature is not valid")
	}

	now := time.Now()
	if claims.Expiry == nil {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "token has no expiry")
	}
	if err := claims.Validate(jwt.Expected{Time: now}); err != nil {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "token is expired or not yet valid")
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time().After(now.Add(jwt.DefaultLeeway)) {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "token is issued in the future")
	}
	if claims.Subject == "" {
		return Identity{}, tracerr.New(tracerr.Unauthenticated, "token carries no subject")
	}

	name := private.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, UserName: name}, nil
}

// bearerToken pulls the token from the authorization header, falling
// back to the platform cookie.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
