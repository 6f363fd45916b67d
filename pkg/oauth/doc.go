// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package oauth defines the wire-level types shared by the authorization
// server: OAuth 2.0 / OIDC error codes, the client registration model,
// authorize and token request/response shapes, scope handling, and the
// claims bag carried into issued tokens.
//
// The protocol flows themselves live in the subpackages:
//   - oauth/authorize: the authorize endpoint state machine (including PAR)
//   - oauth/grants:    the token endpoint grant handler registry
//   - oauth/pkce:      Proof Key for Code Exchange (RFC 7636)
//   - oauth/dpop:      Demonstrating Proof of Possession (RFC 9449)
package oauth
