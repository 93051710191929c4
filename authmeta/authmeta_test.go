// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package authmeta

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/linkdata/rmux"
)

func Test_EncodeSimple(t *testing.T) {
	md := EncodeSimple("bob", "secret")
	assert.Equal(t, []byte{0x80, 0x00, 0x03, 'b', 'o', 'b', 's', 'e', 'c', 'r', 'e', 't'}, md)
	username, password, err := DecodeSimple(md)
	assert.NoError(t, err)
	assert.Equal(t, "bob", username)
	assert.Equal(t, "secret", password)

	username, password, err = DecodeSimple(EncodeSimple("", ""))
	assert.NoError(t, err)
	assert.Empty(t, username)
	assert.Empty(t, password)
}

func Test_DecodeSimple_malformed(t *testing.T) {
	for _, md := range [][]byte{
		nil,
		{0x80, 0x00},
		{0x01, 0x00, 0x00},
		{0x80, 0x00, 0x05, 'a'},
	} {
		_, _, err := DecodeSimple(md)
		assert.Equal(t, ErrMalformed, errors.Cause(err), "%v", md)
	}
}

func Test_Credentials(t *testing.T) {
	c := Credentials{Username: "admin", Password: "pw", Roles: []string{"ADMIN"}}
	assert.Equal(t, "[Credentials admin]", c.String())
	assert.Equal(t, EncodeSimple("admin", "pw"), c.Metadata())
	p := c.Principal()
	assert.Equal(t, "admin", p.Identity)
	assert.True(t, p.HasRole("ADMIN"))
	pl := c.Payload([]byte("data"))
	assert.Equal(t, "data", pl.DataString())
	assert.Equal(t, c.Metadata(), pl.Metadata())
}

func newTestStore(t *testing.T) *UserStore {
	us := NewUserStore()
	us.Cost = bcrypt.MinCost
	require.NoError(t, us.Add("user", "pw", "USER"))
	require.NoError(t, us.AddCredentials(Credentials{Username: "admin", Password: "pw", Roles: []string{"ADMIN", "USER"}}))
	return us
}

func Test_UserStore_Check(t *testing.T) {
	us := newTestStore(t)
	assert.Equal(t, []string{"admin", "user"}, us.Usernames())

	p, err := us.Check("admin", "pw")
	require.NoError(t, err)
	assert.Equal(t, rmux.NewPrincipal("admin", "ADMIN", "USER"), p)

	_, err = us.Check("admin", "wrong")
	assert.Equal(t, ErrBadCredentials, errors.Cause(err))
	_, err = us.Check("nobody", "pw")
	assert.Equal(t, ErrBadCredentials, errors.Cause(err))
}

func Test_UserStore_zero_value(t *testing.T) {
	var us UserStore
	us.Cost = bcrypt.MinCost
	assert.Empty(t, us.Usernames())
	assert.NoError(t, us.Add("x", "y"))
	p, err := us.Check("x", "y")
	assert.NoError(t, err)
	assert.Empty(t, p.Roles)
}

func Test_UserStore_Authenticate(t *testing.T) {
	us := newTestStore(t)
	var auth rmux.Authenticator = us

	p, err := auth.Authenticate(nil)
	assert.NoError(t, err)
	assert.Nil(t, p)

	p, err = auth.Authenticate(EncodeSimple("user", "pw"))
	require.NoError(t, err)
	assert.Equal(t, "user", p.Identity)
	assert.False(t, p.HasRole("ADMIN"))

	_, err = auth.Authenticate(EncodeSimple("user", "nope"))
	assert.Equal(t, ErrBadCredentials, errors.Cause(err))
	_, err = auth.Authenticate([]byte{1, 2, 3})
	assert.Equal(t, ErrMalformed, errors.Cause(err))
}
