/*
Copyright 2022-2023 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/nexusid/oidc-server/pkg/constants"
	"github.com/nexusid/oidc-server/pkg/oidcserver/authorization"
	"github.com/nexusid/oidc-server/pkg/oidcserver/cache"
	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
	"github.com/nexusid/oidc-server/pkg/oidcserver/hooks"
	"github.com/nexusid/oidc-server/pkg/oidcserver/issuance"
	"github.com/nexusid/oidc-server/pkg/oidcserver/logout"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"
	"github.com/nexusid/oidc-server/pkg/oidcserver/token"
	"github.com/nexusid/oidc-server/pkg/oidcserver/validation"
	"github.com/nexusid/oidc-server/pkg/server"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// cacheOptions selects and configures the Store implementation every
// request cache and ticket store is built from.
type cacheOptions struct {
	// backend is either "memory" or "redis".
	backend string

	// memoryCapacity bounds the number of live entries the in-memory
	// store holds before it starts evicting the least recently used.
	memoryCapacity int

	// redisAddress is the host:port a redis backend connects to.
	redisAddress string

	// redisPrefix namespaces this server's keys within a shared redis
	// instance; the request cache and ticket store both use it.
	redisPrefix string
}

func (o *cacheOptions) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.backend, "cache-backend", "memory", `Blob cache backend to use: "memory" or "redis".`)
	f.IntVar(&o.memoryCapacity, "cache-memory-capacity", 16384, "Maximum number of live entries the in-memory cache backend retains.")
	f.StringVar(&o.redisAddress, "cache-redis-address", "localhost:6379", "Address of the redis instance, when --cache-backend=redis.")
	f.StringVar(&o.redisPrefix, "cache-redis-prefix", "oidc-server:", "Key prefix applied to every entry written to redis.")
}

// newStore builds the Store the request cache and ticket store share,
// per o.backend.
func (o *cacheOptions) newStore() (cache.Store, error) {
	switch o.backend {
	case "memory":
		return cache.NewMemoryStore(o.memoryCapacity, 0), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: o.redisAddress})

		return cache.NewRedisStore(client, o.redisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", o.backend)
	}
}

// parseRSAPrivateKey accepts both PKCS#1 ("RSA PRIVATE KEY") and PKCS#8
// ("PRIVATE KEY") DER encodings, the two forms every RSA key a human is
// likely to hand us arrives in.
func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	generic, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM block does not contain an RSA private key")
	}

	return key, nil
}

// credentialsFromKey wraps a single RSA key pair as signing credentials
// with a freshly generated key ID. The kid only needs to be unique and
// human-legible for log lines and JWKS inspection, not unguessable, so a
// UUID is a better fit here than the CSPRNG opaque tokens issued for
// codes and refresh tokens.
func credentialsFromKey(key *rsa.PrivateKey) (*crypt.SigningCredentials, error) {
	kid := uuid.NewString()

	return &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{
			{KeyID: kid, Private: key, Encoding: crypt.KeyEncodingRawRSA},
		},
	}, nil
}

// loadOrGenerateSigningCredentials reads an RSA private key from path, or,
// when path is empty, generates an ephemeral one for the lifetime of this
// process. An ephemeral key is fine for development, but every restart
// invalidates every token signed under the previous one.
func loadOrGenerateSigningCredentials(path string) (*crypt.SigningCredentials, error) {
	if path == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}

		return credentialsFromKey(key)
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", path, err)
	}

	return credentialsFromKey(key)
}

// newGenerateSigningKeyCommand adds an offline helper for producing a PEM
// file suitable for --oidc-signing-key-path, so a deployment isn't forced
// to run on an ephemeral key.
func newGenerateSigningKeyCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "generate-signing-key",
		Short: "Generate an RSA-2048 private key suitable for --oidc-signing-key-path",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			block := &pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(key),
			}

			return os.WriteFile(outputPath, pem.EncodeToMemory(block), 0o600)
		},
	}

	cmd.Flags().StringVar(&outputPath, "output", "signing-key.pem", "Path to write the generated PEM key to.")

	return cmd
}

// run constructs every pipeline and serves until the context is cancelled
// or the process receives SIGTERM.
func run(parent context.Context, zapOptions *zap.Options, srvOptions *server.Options, oidcOptions *config.Options, cacheOpts *cacheOptions) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.SetLogger(zap.New(zap.UseFlagOptions(zapOptions)))

	logger := log.Log.WithName(constants.Application)
	otel.SetLogger(logger)

	logger.Info("service starting", "application", constants.Application, "version", constants.Version, "revision", constants.Revision)

	if err := oidcOptions.Validate(); err != nil {
		return err
	}

	credentials, err := loadOrGenerateSigningCredentials(oidcOptions.SigningKeyPath)
	if err != nil {
		return err
	}

	if oidcOptions.SigningKeyPath == "" {
		logger.Info("no --oidc-signing-key-path set, signing with an ephemeral key for this process's lifetime")
	}

	store, err := cacheOpts.newStore()
	if err != nil {
		return err
	}

	requestCache := cache.NewRequestCache(store, oidcOptions.RequestCacheLifetime)
	tickets := ticket.NewStore(store, oidcOptions.AuthorizationCodeLifetime, oidcOptions.RefreshTokenLifetime)
	minter := issuance.NewMinter(credentials, oidcOptions.Issuer, oidcOptions.AccessTokenLifetime, oidcOptions.IDTokenLifetime)

	// Provider is left with every hook nil: this core delegates identity,
	// consent, and client registration entirely to the host application,
	// so a host embedding this binary directly supplies its own Provider
	// with at least OnValidateClientRedirectURI and OnSignIn set before
	// any flow can complete end to end.
	provider := &hooks.Provider{}

	srv := &server.Server{
		Options:       *srvOptions,
		ZapOptions:    *zapOptions,
		OIDCOptions:   *oidcOptions,
		Authorization: authorization.New(oidcOptions, provider, minter, requestCache, tickets),
		Token:         token.New(oidcOptions, provider, minter, tickets),
		Validation:    validation.New(provider, credentials, tickets),
		Logout:        logout.New(provider),
		Discovery:     discovery.New(oidcOptions, credentials),
	}

	if err := srv.SetupOpenTelemetry(ctx); err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	httpServer := srv.GetServer()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM)

	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
		}

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "server shutdown error")
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unexpected server error: %w", err)
	}

	return nil
}

func newRootCommand() *cobra.Command {
	zapOptions := &zap.Options{}
	srvOptions := &server.Options{}
	oidcOptions := &config.Options{}
	cacheOpts := &cacheOptions{}

	cmd := &cobra.Command{
		Use:   constants.Application,
		Short: "An OpenID Connect / OAuth2 authorization server core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), zapOptions, srvOptions, oidcOptions, cacheOpts)
		},
	}

	zapOptions.BindFlags(flag.CommandLine)
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	srvOptions.AddFlags(cmd.Flags())
	oidcOptions.AddFlags(cmd.Flags())
	cacheOpts.addFlags(cmd.Flags())

	cmd.AddCommand(newGenerateSigningKeyCommand())

	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Log.Error(err, "fatal error")
		os.Exit(1)
	}
}
