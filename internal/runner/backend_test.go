package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/teemow/handovermail/internal/google"
)

func TestGoogleBackend_Open(t *testing.T) {
	ctx := context.Background()
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages/send":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sent-1", "threadId": "t1"})
		case "/v4/spreadsheets/book/values/'Output'!A1":
			_ = json.NewEncoder(w).Encode(map[string]any{"values": [][]any{{"x"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := google.NewKeyringStore(keyring.NewArrayKeyring(nil))
	require.NoError(t, store.Put(ctx, "alice@example.com", &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}))

	backend := &GoogleBackend{
		Factory: &google.ClientFactory{
			OAuth: &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"}},
			Store: store,
			Base:  srv.Client().Transport,
		},
		Settings:      google.DefaultSettings(),
		ClientOptions: []option.ClientOption{option.WithEndpoint(srv.URL + "/")},
		MaxExportSize: 1024,
	}

	clients, err := backend.Open(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, clients.Files)

	id, err := clients.Mailer.Send(ctx, "cmF3", "")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)

	rows, err := clients.Sheets.GetValues(ctx, "book", "'Output'!A1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x"}}, rows)

	for _, h := range auth {
		assert.Equal(t, "Bearer access-1", h)
	}

	_, err = backend.Open(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, google.ErrReauthRequired)
}
