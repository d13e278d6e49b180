package firestore

import (
	"context"
	"fmt"
	"sort"

	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"go.uber.org/multierr"
)

// Connection is a Store that owns network resources.
type Connection interface {
	Store
	Ping(ctx context.Context) error
	Close() error
}

// Accounts holds one Store per named account. Accounts that share the same
// credentials share one connection.
type Accounts struct {
	stores map[string]Connection
	owned  []Connection
}

// NewAccounts dials every configured account once at startup.
func NewAccounts(ctx context.Context, projectID string, credentials map[string]string, logg *logger.Logger) (*Accounts, error) {
	if len(credentials) == 0 {
		return nil, fmt.Errorf("no firestore accounts configured")
	}
	byCredential := map[string]Connection{}
	accounts := &Accounts{stores: map[string]Connection{}}

	names := make([]string, 0, len(credentials))
	for name := range credentials {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		creds := credentials[name]
		if conn, ok := byCredential[creds]; ok {
			accounts.stores[name] = conn
			continue
		}
		client, err := NewClient(ctx, projectID, creds)
		if err != nil {
			_ = accounts.Close()
			return nil, fmt.Errorf("firestore account %s: %w", name, err)
		}
		byCredential[creds] = client
		accounts.stores[name] = client
		accounts.owned = append(accounts.owned, client)
		if logg != nil {
			logg.Info(logg.WithField(ctx, "account", name), "firestore account connected")
		}
	}
	return accounts, nil
}

// NewAccountsFrom wraps already constructed connections, mainly for tests.
func NewAccountsFrom(stores map[string]Connection) *Accounts {
	accounts := &Accounts{stores: map[string]Connection{}}
	seen := map[Connection]bool{}
	for name, conn := range stores {
		accounts.stores[name] = conn
		if !seen[conn] {
			seen[conn] = true
			accounts.owned = append(accounts.owned, conn)
		}
	}
	return accounts
}

// Store returns the Store bound to an account name.
func (a *Accounts) Store(name string) (Store, error) {
	if a == nil {
		return nil, fmt.Errorf("firestore accounts not initialized")
	}
	conn, ok := a.stores[name]
	if !ok {
		return nil, fmt.Errorf("firestore account %q not configured", name)
	}
	return conn, nil
}

// Ping checks every distinct connection.
func (a *Accounts) Ping(ctx context.Context) error {
	var err error
	for _, conn := range a.owned {
		err = multierr.Append(err, conn.Ping(ctx))
	}
	return err
}

func (a *Accounts) Close() error {
	if a == nil {
		return nil
	}
	var err error
	for _, conn := range a.owned {
		err = multierr.Append(err, conn.Close())
	}
	a.owned = nil
	return err
}
