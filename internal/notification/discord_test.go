package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhook(t *testing.T, status int) (*httptest.Server, *[]DiscordMessage) {
	t.Helper()
	var got []DiscordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg DiscordMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestDiscord_SendSuccessAndError(t *testing.T) {
	srv, got := webhook(t, http.StatusNoContent)
	d := NewDiscord(srv.URL+"/error", srv.URL+"/success")

	require.NoError(t, d.SendSuccess(context.Background(), "3 files filtered"))
	require.NoError(t, d.SendError(context.Background(), "1 file failed"))

	require.Len(t, *got, 2)
	assert.Equal(t, "3 files filtered", (*got)[0].Embeds[0].Description)
	assert.Equal(t, colorGreen, (*got)[0].Embeds[0].Color)
	assert.Equal(t, colorRed, (*got)[1].Embeds[0].Color)
}

func TestDiscord_BadStatus(t *testing.T) {
	srv, _ := webhook(t, http.StatusBadRequest)
	d := NewDiscord(srv.URL, "")

	err := d.SendWarning(context.Background(), "nothing to do")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDiscord_DisabledIsNoop(t *testing.T) {
	var d *Discord
	assert.False(t, d.Enabled())
	assert.NoError(t, d.SendError(context.Background(), "x"))

	d = NewDiscord("", "")
	assert.False(t, d.Enabled())
	assert.NoError(t, d.SendSuccess(context.Background(), "x"))
}
