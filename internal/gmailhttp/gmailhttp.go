// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmailhttp provides authenticated Gmail clients for the sync
// engine.  OAuth 2.0 tokens are cached per account on disk next to
// the client credentials; the interactive authorization flow runs
// once per account and refresh tokens carry it from there.
package gmailhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mailsweep/mailsweep/internal/gmail"
	msync "github.com/mailsweep/mailsweep/internal/sync"
	"github.com/mailsweep/mailsweep/internal/tracehttp"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider builds Gmail clients from cached per-account tokens.  It
// implements the engine's client provider; every GetClient call
// yields a fresh client whose underlying token source refreshes
// transparently.
type Provider struct {
	config   *oauth2.Config
	tokenDir string
	trace    bool
	logger   *slog.Logger
}

var _ msync.ClientProvider = (*Provider)(nil)

// Options configures a Provider.
type Options struct {
	// CredentialsPath names the OAuth client credentials JSON
	// downloaded from the developer console.
	CredentialsPath string

	// TokenDir is where per-account tokens are cached.
	TokenDir string

	// Trace dumps all API traffic through the trace transport.
	Trace bool

	Logger *slog.Logger
}

// New reads the client credentials and returns a Provider.
func New(opts Options) (*Provider, error) {
	b, err := os.ReadFile(opts.CredentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read client credentials %q", opts.CredentialsPath)
	}
	config, err := google.ConfigFromJSON(b, gmail.ReadonlyScope)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse client credentials")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config:   config,
		tokenDir: opts.TokenDir,
		trace:    opts.Trace,
		logger:   logger,
	}, nil
}

// GetClient returns a Gmail client for the account, or an error
// wrapping the engine's auth sentinel when the account has never been
// authorized.
func (p *Provider) GetClient(ctx context.Context, accountID string) (msync.MessageStorage, error) {
	token, err := p.loadToken(accountID)
	if err != nil {
		return nil, errors.Wrapf(msync.ErrAuthRequired,
			"no cached token for %v, run the auth command first", accountID)
	}

	base := http.DefaultTransport
	if p.trace {
		base = tracehttp.Wrap(base, p.logger)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	client := oauth2.NewClient(ctx, p.config.TokenSource(ctx, token))

	return gmail.New(ctx, client)
}

// Authorize runs the interactive authorization flow for the account:
// the caller sends the user to the returned URL and feeds the
// resulting code to Complete.
func (p *Provider) Authorize(accountID string) string {
	return p.config.AuthCodeURL(accountID,
		oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Complete exchanges the authorization code and caches the token for
// the account.
func (p *Provider) Complete(ctx context.Context, accountID, code string) error {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "unable to exchange authorization code")
	}
	return p.saveToken(accountID, token)
}

func (p *Provider) tokenPath(accountID string) string {
	return filepath.Join(p.tokenDir, "token-"+accountID+".json")
}

func (p *Provider) loadToken(accountID string) (*oauth2.Token, error) {
	b, err := os.ReadFile(p.tokenPath(accountID))
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(b, token); err != nil {
		return nil, errors.Wrapf(err, "corrupt token cache for %v", accountID)
	}
	return token, nil
}

func (p *Provider) saveToken(accountID string, token *oauth2.Token) error {
	if err := os.MkdirAll(p.tokenDir, 0700); err != nil {
		return errors.Wrap(err, "unable to create token directory")
	}
	b, err := json.Marshal(token)
	if err != nil {
		return errors.Wrap(err, "unable to encode token")
	}
	path := p.tokenPath(accountID)
	// Tokens are credentials; keep them owner-readable only.
	if err := os.WriteFile(path, b, 0600); err != nil {
		return errors.Wrapf(err, "unable to write token cache %q", path)
	}
	p.logger.Info("token cached", "account", accountID, "path", path)
	return nil
}
