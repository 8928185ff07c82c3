package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"haleoracle/pkg/platform/sentinel"
)

// Directory maps telegram usernames to chat ids. Users land here when they
// /start the bot; sends to a bare username need a prior mapping because the
// Bot API only addresses chat ids.
//
// The mapping is held in memory and rewritten wholesale to a flat JSON file on
// every update. The file is never touched on the delivery hot path.
type Directory struct {
	mu    sync.RWMutex
	path  string
	users map[string]string
}

// NewDirectory loads the mapping file if it exists. A missing file is an
// empty directory, not an error.
func NewDirectory(path string) (*Directory, error) {
	d := &Directory{
		path:  path,
		users: make(map[string]string),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user directory: %w", err)
	}
	if err := json.Unmarshal(raw, &d.users); err != nil {
		return nil, fmt.Errorf("decode user directory %s: %w", path, err)
	}
	return d, nil
}

// Register records a username → chat id mapping and persists the whole table.
func (d *Directory) Register(username, chatID string) error {
	username = normalizeUsername(username)
	if username == "" {
		return fmt.Errorf("empty username")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = chatID
	return d.persistLocked()
}

// Resolve returns the chat id for a username.
func (d *Directory) Resolve(username string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	chatID, ok := d.users[normalizeUsername(username)]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	return chatID, nil
}

// Snapshot returns a copy of the current mapping for status endpoints.
func (d *Directory) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.users))
	for k, v := range d.users {
		out[k] = v
	}
	return out
}

// Len reports the number of registered users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *Directory) persistLocked() error {
	raw, err := json.MarshalIndent(d.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user directory: %w", err)
	}
	if err := os.WriteFile(d.path, raw, 0o600); err != nil {
		return fmt.Errorf("write user directory: %w", err)
	}
	return nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}
