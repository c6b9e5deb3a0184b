package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("voxstream")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	require.NoError(t, VerifyFileChecksum(path, sha256Hex(payload)))
	require.NoError(t, VerifyFileChecksum(path, ""))
	require.ErrorIs(t, VerifyFileChecksum(path, "deadbeef"), ErrChecksumMismatch)
}

func TestDownloadFileVerifiesChecksum(t *testing.T) {
	t.Parallel()

	payload := []byte("ggml-model-bytes")
	var gotAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "models", "ggml-tiny.bin")
	err := DownloadFile(context.Background(), Options{
		URL:            server.URL + "/ggml-tiny.bin",
		Destination:    destination,
		ExpectedSHA256: sha256Hex(payload),
		NoProgress:     true,
		Retries:        1,
	})
	require.NoError(t, err)
	require.Equal(t, userAgent, gotAgent.Load())

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)

	_, err = os.Stat(destination + ".part")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloadFileChecksumMismatchLeavesNothing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	destination := filepath.Join(t.TempDir(), "model.bin")
	err := DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: sha256Hex([]byte("original")),
		NoProgress:     true,
		Retries:        2,
		Backoff:        time.Millisecond,
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, statErr := os.Stat(destination)
	require.ErrorIs(t, statErr, os.ErrNotExist)
	_, statErr = os.Stat(destination + ".part")
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestDownloadFileRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		NoProgress:  true,
		Retries:     3,
		Backoff:     time.Millisecond,
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestDownloadFileDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		NoProgress:  true,
		Retries:     3,
		Backoff:     time.Millisecond,
	})
	require.ErrorContains(t, err, "not found")
	require.EqualValues(t, 1, calls.Load())
}

func TestDownloadFileStopsRetryingOnCancel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := DownloadFile(ctx, Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		NoProgress:  true,
		Retries:     5,
		Backoff:     time.Second,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestEnsureFileSkipsVerifiedFile(t *testing.T) {
	t.Parallel()

	payload := []byte("cached")
	destination := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destination, payload, 0o644))

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	downloaded, err := EnsureFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: sha256Hex(payload),
		NoProgress:     true,
	})
	require.NoError(t, err)
	require.False(t, downloaded)
	require.Zero(t, calls.Load())
}

func TestEnsureFileReplacesCorruptFile(t *testing.T) {
	t.Parallel()

	payload := []byte("fresh")
	destination := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(destination, []byte("truncated"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	downloaded, err := EnsureFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: sha256Hex(payload),
		NoProgress:     true,
	})
	require.NoError(t, err)
	require.True(t, downloaded)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}
