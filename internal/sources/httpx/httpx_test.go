package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestStatusErrorKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	// One ASCII byte then three-byte runes, so a byte cut at 200 lands
	// inside a rune.
	body := "x" + strings.Repeat("震", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	_, _, err := Get(context.Background(), srv.Client(), srv.URL, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Status)
	require.True(t, utf8.ValidString(se.Body))
	require.Equal(t, maxSnippet+1, utf8.RuneCountInString(se.Body))
	require.True(t, strings.HasSuffix(se.Body, "震…"))
}

func TestGetReturnsBodyAndContentType(t *testing.T) {
	t.Parallel()

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b, ct, err := Get(context.Background(), srv.Client(), srv.URL, http.Header{"Authorization": {"secret"}})
	require.NoError(t, err)
	require.Equal(t, "secret", auth)
	require.Equal(t, `{"ok":true}`, string(b))
	require.Equal(t, "application/json", ct)
}
