package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	config := DefaultConfig()
	config.StrictMode = false
	config.FHIR.BaseURL = "http://example.com/fhir"
	config.Intelligence.BaseURL = "http://example.com/intelligence"
	return config
}

func TestStart(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		config := testConfig()
		config.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, Start(ctx, config))
		}()
		assertServerStarted(t, config.Public.Address)

		// The health endpoint is served.
		httpResponse, err := http.Get("http://localhost" + config.Public.Address + "/health")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, httpResponse.StatusCode)

		// The scrape endpoint is served.
		httpResponse, err = http.Get("http://localhost" + config.Public.Address + "/metrics")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, httpResponse.StatusCode)

		// Signal server to stop, then wait for graceful exit
		cancel()
		wg.Wait()
	})
	t.Run("sigint triggers graceful shutdown", func(t *testing.T) {
		config := testConfig()
		config.Public.Address = ":" + strconv.Itoa(freeTCPPort())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, Start(ctx, config))
		}()
		assertServerStarted(t, config.Public.Address)

		p, err := os.FindProcess(os.Getpid())
		require.NoError(t, err)
		require.NoError(t, p.Signal(os.Interrupt))

		wg.Wait()
	})
}

func assertServerStarted(t *testing.T, port string) {
	// Wait for the server to start, time-out after 5 seconds
	started := false
	for i := 0; i < 500; i++ {
		httpResponse, _ := http.Get("http://localhost" + port + "/health")
		if httpResponse != nil && httpResponse.StatusCode == http.StatusOK {
			started = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, started)
}

// freeTCPPort asks the kernel for a free open port that is ready to use.
func freeTCPPort() (port int) {
	a, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	l, err := net.ListenTCP("tcp", a)
	if err != nil {
		panic(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
