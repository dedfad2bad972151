package device

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLightStatusAndSet(t *testing.T) {
	state := "off"
	mux := http.NewServeMux()
	mux.HandleFunc("/light/jardin", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": state})
	})
	mux.HandleFunc("/light/jardin/on", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		state = "on"
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.LightStatus("jardin")
	require.NoError(t, err)
	assert.Equal(t, LightOff, got)

	got, err = c.SetLight("jardin", true)
	require.NoError(t, err)
	assert.Equal(t, LightOn, got)

	got, err = c.LightStatus("jardin")
	require.NoError(t, err)
	assert.Equal(t, LightOn, got)
}

func TestLockStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/door", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "locked"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.LockStatus()
	require.NoError(t, err)
	assert.Equal(t, LockLocked, got)
}

func TestUnlockReproducesOriginalLockingStateBug(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/door/unlock", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.Unlock()
	require.NoError(t, err)
	assert.Equal(t, LockLocking, got, "the original integration's async_unlock sets Locking, not Unlocking")
}

func TestLockReturnsLocking(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/door/lock", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.Lock()
	require.NoError(t, err)
	assert.Equal(t, LockLocking, got)
}

func TestLightStatusNon200(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/light/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.LightStatus("broken")
	assert.Error(t, err)
}
