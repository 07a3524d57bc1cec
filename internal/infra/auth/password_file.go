package auth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// LoadPasswordFile reads a password file holding a single "user=password"
// entry. Blank lines and lines starting with '#' are ignored.
func LoadPasswordFile(path string) (domain.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("read password file: %w", err)
	}
	return parsePasswordFile(data)
}

func parsePasswordFile(data []byte) (domain.Credentials, error) {
	var (
		creds   domain.Credentials
		entries int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, pass, ok := strings.Cut(text, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return domain.Credentials{}, fmt.Errorf("password file line %d: expected user=password", line)
		}
		entries++
		creds = domain.Credentials{Username: user, Password: pass}
	}
	if err := scanner.Err(); err != nil {
		return domain.Credentials{}, fmt.Errorf("scan password file: %w", err)
	}
	if entries != 1 {
		return domain.Credentials{}, fmt.Errorf("password file must hold exactly one entry, found %d", entries)
	}
	return creds, nil
}

// Watch reloads path into a whenever it changes, until ctx is done. A reload
// that fails keeps the previous credentials.
func Watch(ctx context.Context, path string, a *Authenticator, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("password_watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create password watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("password watcher error", zap.Error(err))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(defaultReloadDebounce)
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(defaultReloadDebounce)
			case <-timerChan(timer):
				timer = nil
				creds, err := LoadPasswordFile(path)
				if err != nil {
					logger.Warn("password reload failed", zap.Error(err))
					continue
				}
				a.SetCredentials(creds)
				logger.Info("password file reloaded", zap.String("path", path))
			}
		}
	}()
	return nil
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
