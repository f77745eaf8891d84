package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TokenFileAuthenticator serves static service-account tokens from a YAML
// file and reloads it when the file changes, so rotating a CI token does
// not require a gateway restart.
type TokenFileAuthenticator struct {
	path   string
	logger *slog.Logger
	next   Authenticator

	mu      sync.RWMutex
	byToken map[string]Identity
}

type tokenFileEntry struct {
	Token   string   `yaml:"token"`
	Subject string   `yaml:"subject"`
	Email   string   `yaml:"email"`
	Roles   []string `yaml:"roles"`
}

type tokenFile struct {
	Tokens []tokenFileEntry `yaml:"tokens"`
}

func NewTokenFileAuthenticator(ctx context.Context, logger *slog.Logger, path string, next Authenticator) (*TokenFileAuthenticator, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}

	a := &TokenFileAuthenticator{
		path:   path,
		logger: logger,
		next:   next,
	}
	if err := a.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token file watcher: %w", err)
	}
	// Watch the directory so atomic renames over the file are observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token file dir: %w", err)
	}
	go a.watch(ctx, watcher)

	return a, nil
}

func (a *TokenFileAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if token := tokenFromHeader(r); token != "" {
		a.mu.RLock()
		identity, ok := a.byToken[token]
		a.mu.RUnlock()
		if ok {
			return identity, nil
		}
	}

	if a.next == nil {
		return Identity{}, ErrUnauthenticated
	}
	return a.next.Authenticate(ctx, r)
}

func (a *TokenFileAuthenticator) reload() error {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	var parsed tokenFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse token file: %w", err)
	}

	byToken := make(map[string]Identity, len(parsed.Tokens))
	for i, entry := range parsed.Tokens {
		token := strings.TrimSpace(entry.Token)
		subject := strings.TrimSpace(entry.Subject)
		if token == "" || subject == "" {
			return fmt.Errorf("token file entry %d: token and subject are required", i)
		}
		roles := make([]string, 0, len(entry.Roles))
		for _, role := range entry.Roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				continue
			}
			roles = append(roles, role)
		}
		byToken[token] = Identity{
			Subject: subject,
			Email:   strings.TrimSpace(entry.Email),
			Roles:   roles,
		}
	}

	a.mu.Lock()
	a.byToken = byToken
	a.mu.Unlock()
	return nil
}

func (a *TokenFileAuthenticator) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(a.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := a.reload(); err != nil {
				if a.logger != nil {
					a.logger.Warn("token file reload failed", "path", a.path, "error", err.Error())
				}
				continue
			}
			if a.logger != nil {
				a.logger.Info("token file reloaded", "path", a.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if a.logger != nil {
				a.logger.Warn("token file watcher error", "error", err.Error())
			}
		}
	}
}
