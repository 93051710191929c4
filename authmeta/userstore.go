// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package authmeta

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkdata/rmux"
)

type user struct {
	hash  []byte
	roles []string
}

// UserStore is an rmux.Authenticator holding users with bcrypt password hashes.
type UserStore struct {
	Cost  int // bcrypt cost, bcrypt.DefaultCost if zero
	mu    sync.RWMutex
	users map[string]user
}

// NewUserStore returns an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]user)}
}

// Add adds or replaces a user.
func (us *UserStore) Add(username, password string, roles ...string) error {
	cost := us.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return errors.Wrapf(err, "hashing password for %q", username)
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.users == nil {
		us.users = make(map[string]user)
	}
	us.users[username] = user{hash: hash, roles: append([]string(nil), roles...)}
	return nil
}

// AddCredentials adds a user from Credentials.
func (us *UserStore) AddCredentials(c Credentials) error {
	return us.Add(c.Username, c.Password, c.Roles...)
}

// Usernames returns the known usernames, sorted.
func (us *UserStore) Usernames() (names []string) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	for name := range us.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// Check returns the Principal for username if password matches.
func (us *UserStore) Check(username, password string) (*rmux.Principal, error) {
	us.mu.RLock()
	u, ok := us.users[username]
	us.mu.RUnlock()
	if !ok {
		return nil, errors.WithStack(ErrBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, errors.WithStack(ErrBadCredentials)
	}
	return rmux.NewPrincipal(username, u.roles...), nil
}

// Authenticate implements rmux.Authenticator. Empty metadata carries no
// credentials and yields no Principal and no error.
func (us *UserStore) Authenticate(md []byte) (*rmux.Principal, error) {
	if len(md) == 0 {
		return nil, nil
	}
	username, password, err := DecodeSimple(md)
	if err != nil {
		return nil, err
	}
	return us.Check(username, password)
}
