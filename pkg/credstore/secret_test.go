package credstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestSecretBackendLifecycle(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := NewSecretBackend(client, "clinic", "SmartSession_Durable")
	assert.Equal(t, "smartsession-durable", b.Name())

	_, ok, err := b.Load("local_userId")
	require.NoError(t, err)
	assert.False(t, ok, "missing secret reads as absent")

	require.NoError(t, b.Save("local_userId", "alice"))
	require.NoError(t, b.Save("local_refreshToken", "r1"))

	secret, err := client.CoreV1().Secrets("clinic").Get(context.Background(), "smartsession-durable", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "smartsession", secret.Labels["app.kubernetes.io/managed-by"])
	assert.Equal(t, "alice", string(secret.Data["local_userId"]))

	v, ok, err := b.Load("local_refreshToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r1", v)

	require.NoError(t, b.Delete("local_refreshToken"))
	_, ok, err = b.Load("local_refreshToken")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Delete("never-set"))

	require.NoError(t, b.Save("session_pkce", "v1"))
	v, ok, err = b.Take("session_pkce")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	_, ok, err = b.Take("session_pkce")
	require.NoError(t, err)
	assert.False(t, ok, "a taken value is gone")
	v, ok, err = b.Load("local_userId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple lowercase", input: "smartsession", want: "smartsession"},
		{name: "uppercase converted to lowercase", input: "SmartSession", want: "smartsession"},
		{name: "special characters converted to dashes", input: "abc!@#def", want: "abc---def"},
		{name: "underscores", input: "clinic_session", want: "clinic-session"},
		{name: "dots kept", input: "clinic.session", want: "clinic.session"},
		{name: "leading dash removed", input: "-leading", want: "leading"},
		{name: "trailing dash removed", input: "trailing-", want: "trailing"},
		{name: "very long truncated", input: strings.Repeat("a", 100), want: strings.Repeat("a", 63)},
		{name: "empty gets default", input: "", want: "smartsession"},
		{name: "only special characters gets default", input: "!@#$%", want: "smartsession"},
		{name: "unicode converted", input: "session-日本", want: "session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeName(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if len(got) > 63 {
				t.Errorf("sanitizeName(%q) length %d exceeds 63", tt.input, len(got))
			}
			for i, c := range got {
				if !isValidNameChar(byte(c)) {
					t.Errorf("sanitizeName(%q) = %q has invalid character %c at %d", tt.input, got, c, i)
				}
			}
		})
	}
}

func isValidNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.'
}
