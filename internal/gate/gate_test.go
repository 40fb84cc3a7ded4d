package gate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnhub.org/internal/auth"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T) (*Gate, *auth.Signer) {
	t.Helper()
	signer, err := auth.NewSigner([]byte("gate-secret"), "learnhub-test", func() time.Time { return testNow })
	require.NoError(t, err)
	g, err := New(DefaultPolicy(), signer)
	require.NoError(t, err)
	return g, signer
}

func tokenFor(t *testing.T, signer *auth.Signer, role auth.Role) string {
	t.Helper()
	tok, _, err := signer.Sign("user-"+string(role), role, 15*time.Minute)
	require.NoError(t, err)
	return tok
}

// The authorization matrix: every caller kind against a fixed set of paths.
func TestDecisionMatrix(t *testing.T) {
	g, signer := newTestGate(t)
	callers := map[string]string{
		"anonymous":  "",
		"admin":      tokenFor(t, signer, auth.RoleAdmin),
		"instructor": tokenFor(t, signer, auth.RoleInstructor),
		"student":    tokenFor(t, signer, auth.RoleStudent),
	}

	const (
		A  = Allow
		RL = RedirectLogin
		RD = RedirectLanding
	)
	matrix := []struct {
		path                                     string
		anonymous, admin, instructor, student Action
	}{
		{"/dashboard/categories", RL, A, RD, RD},
		{"/dashboard/courses/create", RL, A, A, RD},
		{"/login", A, RD, RD, RD},
		{"/dashboard/progress", RL, RD, RD, A},
		{"/dashboard", RL, A, A, A},
		{"/courses", A, A, A, A},
	}

	for _, row := range matrix {
		want := map[string]Action{
			"anonymous":  row.anonymous,
			"admin":      row.admin,
			"instructor": row.instructor,
			"student":    row.student,
		}
		for caller, token := range callers {
			d := g.Decide(row.path, token)
			assert.Equal(t, want[caller], d.Action, fmt.Sprintf("%s on %s", caller, row.path))
			assert.False(t, d.Clear, "valid or absent credentials are never cleared")
		}
	}
}

func TestDecideInvalidCredential(t *testing.T) {
	g, _ := newTestGate(t)

	for path, want := range map[string]Action{
		"/dashboard/categories": RedirectLogin,
		"/dashboard":            Allow,
		"/profile":              Allow,
		"/login":                Allow,
		"/courses":              Allow,
	} {
		d := g.Decide(path, "garbage.token.value")
		assert.Equal(t, want, d.Action, path)
		assert.True(t, d.Clear, "invalid credential must be cleared on %s", path)
		assert.Nil(t, d.Identity)
		assert.ErrorIs(t, d.Err, auth.ErrInvalidOrExpiredAccess, path)
	}
}

func TestDecideExpiredCredential(t *testing.T) {
	issuedAt := testNow.Add(-time.Hour)
	old, err := auth.NewSigner([]byte("gate-secret"), "learnhub-test", func() time.Time { return issuedAt })
	require.NoError(t, err)
	expired, _, err := old.Sign("user-1", auth.RoleAdmin, 15*time.Minute)
	require.NoError(t, err)

	g, _ := newTestGate(t)
	d := g.Decide("/dashboard/categories", expired)
	assert.Equal(t, RedirectLogin, d.Action)
	assert.True(t, d.Clear)
	assert.ErrorIs(t, d.Err, auth.ErrInvalidOrExpiredAccess)
}

func TestDecideRoleMismatchCarriesError(t *testing.T) {
	g, signer := newTestGate(t)
	d := g.Decide("/dashboard/users", tokenFor(t, signer, auth.RoleStudent))
	assert.Equal(t, RedirectLanding, d.Action)
	assert.ErrorIs(t, d.Err, auth.ErrRoleMismatch)
	require.NotNil(t, d.Identity)
	assert.Equal(t, auth.RoleStudent, d.Identity.Role)
}

func TestSafeNext(t *testing.T) {
	g, _ := newTestGate(t)
	assert.Equal(t, "/dashboard/lessons?id=1", g.SafeNext("/dashboard/lessons?id=1"))
	for _, bad := range []string{"", "https://evil.example", "//evil.example/x", "dashboard", `/\evil.example`} {
		assert.Equal(t, "/dashboard", g.SafeNext(bad), bad)
	}
}
