// Copyright 2025 PhotoFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package photos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"photofs/internal/common"
)

// TokenFileName is the OAuth2 token file kept under the photofs home.
const TokenFileName = "token.json"

// Scopes requested during login. Read-only library access.
var Scopes = []string{"https://www.googleapis.com/auth/photoslibrary.readonly"}

// OAuthConfig builds the installed-app OAuth2 config for the given client
// credentials. The redirect URL is filled in per login attempt.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
}

// TokenPath returns the token file path under the given home directory.
func TokenPath(home string) string {
	return filepath.Join(home, TokenFileName)
}

// LoadToken reads the persisted OAuth2 token. A missing or unreadable
// token is an auth error: the user has to run login first.
func LoadToken(home string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(TokenPath(home))
	if err != nil {
		return nil, fmt.Errorf("no stored credentials (run photofs login): %w", common.ErrAuth)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", TokenPath(home), err, common.ErrAuth)
	}
	return &tok, nil
}

// SaveToken persists the OAuth2 token with owner-only permissions.
func SaveToken(home string, tok *oauth2.Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(TokenPath(home), raw, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// savingSource persists refreshed tokens so a restart does not have to
// redo the login flow once the original access token expires.
type savingSource struct {
	home string
	src  oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w: %v", common.ErrAuth, err)
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		if err := SaveToken(s.home, tok); err != nil {
			log.Warnf("Failed to persist refreshed token: %v", err)
		}
	}
	return tok, nil
}

// NewHTTPClient returns an HTTP client that authenticates requests with the
// stored token, refreshing and re-persisting it as needed.
func NewHTTPClient(ctx context.Context, home string, cfg *oauth2.Config) (*http.Client, error) {
	tok, err := LoadToken(home)
	if err != nil {
		return nil, err
	}
	src := &savingSource{
		home: home,
		src:  cfg.TokenSource(ctx, tok),
		last: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Login runs the installed-app authorization flow: starts a loopback
// listener, prints the consent URL, waits for the redirect, exchanges the
// code, and persists the resulting token under home.
func Login(ctx context.Context, home string, cfg *oauth2.Config, out io.Writer) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start callback listener: %w", err)
	}
	defer listener.Close()

	flowCfg := *cfg
	flowCfg.RedirectURL = fmt.Sprintf("http://%s/oauth2/callback", listener.Addr().String())
	state := uuid.NewString()

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				results <- callback{err: fmt.Errorf("oauth state mismatch: %w", common.ErrAuth)}
				return
			}
			if errMsg := q.Get("error"); errMsg != "" {
				http.Error(w, errMsg, http.StatusBadRequest)
				results <- callback{err: fmt.Errorf("authorization denied: %s: %w", errMsg, common.ErrAuth)}
				return
			}
			fmt.Fprintln(w, "photofs is authorized. You can close this window.")
			results <- callback{code: q.Get("code")}
		}),
	}
	go server.Serve(listener)
	defer server.Close()

	authURL := flowCfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Open the following URL in your browser to authorize photofs:\n\n  %s\n\n", authURL)

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-results:
		if res.err != nil {
			return res.err
		}
		code = res.code
	}

	tok, err := flowCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w: %v", common.ErrAuth, err)
	}
	if err := SaveToken(home, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "Credentials stored in %s\n", TokenPath(home))
	return nil
}
