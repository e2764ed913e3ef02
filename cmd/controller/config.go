// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/coolkev/cicd-controller/internal/sourcehost"
)

// config holds the process environment as read once at startup. The
// Discord fields are accepted and otherwise unused: the chat-notification
// sidecar they configure is an external collaborator (spec.md §1), not a
// component this binary runs itself.
type config struct {
	WebsocketURL      string
	ClientSecret      string
	DatabasePath      string
	TemplateNamespace string
	DiscordBotToken   string
	DiscordChannelID  string
	Credentials       []sourcehost.Credential
}

// loadConfig reads the process environment. WEBSOCKET_URL and
// CLIENT_SECRET are required; everything else has a default or is
// optional, matching spec.md §6.
func loadConfig() (*config, error) {
	cfg := &config{
		WebsocketURL:      os.Getenv("WEBSOCKET_URL"),
		ClientSecret:      os.Getenv("CLIENT_SECRET"),
		DatabasePath:      os.Getenv("DATABASE_PATH"),
		TemplateNamespace: os.Getenv("TEMPLATE_NAMESPACE"),
		DiscordBotToken:   os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordChannelID:  os.Getenv("DISCORD_CHANNEL_ID"),
	}

	if cfg.WebsocketURL == "" {
		return nil, fmt.Errorf("WEBSOCKET_URL is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("CLIENT_SECRET is required")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "db.db"
	}

	creds, err := parseCredentials(os.Getenv("GITHUB_CREDENTIALS"))
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	return cfg, nil
}

// parseCredentials reads a comma-separated "name=token" list. A single
// bare token with no "name=" prefix is accepted as the credential named
// "default", covering the common single-installation case.
func parseCredentials(raw string) ([]sourcehost.Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("GITHUB_CREDENTIALS is required")
	}

	var creds []sourcehost.Credential
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, found := strings.Cut(entry, "=")
		if !found {
			name, token = "default", name
		}
		if token == "" {
			return nil, fmt.Errorf("GITHUB_CREDENTIALS entry %q has no token", entry)
		}
		creds = append(creds, sourcehost.Credential{Name: name, Token: token})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("GITHUB_CREDENTIALS is required")
	}
	return creds, nil
}
