// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the protocol components into the HTTP surface: the
// OAuth/OIDC endpoints under /connect, the journey UI surface under
// /journey, discovery and JWKS, and the operational endpoints.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/keys"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/authorize"
	"github.com/gatekeyd/gatekey/pkg/oauth/dpop"
	"github.com/gatekeyd/gatekey/pkg/oauth/grants"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/telemetry"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/token"
	"github.com/gatekeyd/gatekey/pkg/user"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Issuer string

	Tenants  tenant.Registry
	Resolver *tenant.Resolver
	Clients  oauth.ClientRegistry
	Users    user.Service
	Store    storage.Storage

	Flow     *authorize.Flow
	Sessions *authorize.SessionManager

	Grants     *grants.Registry
	ClientAuth *grants.Authenticator
	Device     *grants.DeviceAuthorizer

	Tokens       *token.Service
	Introspector *token.Introspector
	Keys         *keys.Service
	DPoP         *dpop.Validator

	Engine *journey.Engine

	// Clock is injectable for deterministic tests; defaults to time.Now.
	Clock func() time.Time
}

// Server is the HTTP front of the authorization server.
type Server struct {
	issuer string
	clock  func() time.Time

	tenants  tenant.Registry
	resolver *tenant.Resolver
	clients  oauth.ClientRegistry
	users    user.Service
	store    storage.Storage

	flow     *authorize.Flow
	sessions *authorize.SessionManager

	grants     *grants.Registry
	clientAuth *grants.Authenticator
	device     *grants.DeviceAuthorizer

	tokens       *token.Service
	introspector *token.Introspector
	keys         *keys.Service
	dpop         *dpop.Validator

	engine *journey.Engine
	views  *views

	loginThrottle *throttle
}

// New creates the server.
func New(deps Deps) (*Server, error) {
	v, err := loadViews()
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		issuer:        strings.TrimRight(deps.Issuer, "/"),
		clock:         clock,
		tenants:       deps.Tenants,
		resolver:      deps.Resolver,
		clients:       deps.Clients,
		users:         deps.Users,
		store:         deps.Store,
		flow:          deps.Flow,
		sessions:      deps.Sessions,
		grants:        deps.Grants,
		clientAuth:    deps.ClientAuth,
		device:        deps.Device,
		tokens:        deps.Tokens,
		introspector:  deps.Introspector,
		keys:          deps.Keys,
		dpop:          deps.DPoP,
		engine:        deps.Engine,
		views:         v,
		loginThrottle: newThrottle(credentialAttemptRefill, credentialAttemptBurst),
	}, nil
}

func (s *Server) now() time.Time {
	return s.clock()
}

// JourneyCallbackURL builds the absolute URL external IdPs redirect back to.
// It is handed to the journey engine's services at wiring time.
func (s *Server) JourneyCallbackURL(journeyID string) string {
	return s.issuer + "/journey/" + journeyID + "/callback"
}

// Router assembles the chi router with all endpoints registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.resolver.Middleware)

		r.Get("/connect/authorize", s.handleAuthorize)
		r.Post("/connect/authorize", s.handleAuthorize)
		r.Post("/connect/par", s.handlePAR)
		r.Post("/connect/token", s.handleToken)
		r.Post("/connect/introspect", s.handleIntrospect)
		r.Post("/connect/revocation", s.handleRevocation)
		r.Post("/connect/deviceauthorization", s.handleDeviceAuthorization)
		r.Get("/connect/endsession", s.handleEndSession)
		r.Get("/connect/userinfo", s.handleUserinfo)

		r.Get("/.well-known/openid-configuration", s.handleDiscovery)
		r.Get("/.well-known/jwks.json", s.handleJWKS)
		r.Get("/.well-known/openid-configuration/jwks", s.handleJWKS)

		r.Get("/journey/{journeyID}", s.handleJourneyShow)
		r.With(s.limitCredentialAttempts).Post("/journey/{journeyID}", s.handleJourneySubmit)
		r.Get("/journey/{journeyID}/callback", s.handleJourneyCallback)

		r.Get("/login", s.handleLoginPage)
		r.With(s.limitCredentialAttempts).Post("/login", s.handleLoginSubmit)
		r.Get("/consent", s.handleConsentPage)
		r.Post("/consent", s.handleConsentSubmit)

		r.Get("/device", s.handleDevicePage)
		r.With(s.limitCredentialAttempts).Post("/device", s.handleDeviceSubmit)
	})

	return r
}
