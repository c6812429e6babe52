package adhoc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registry struct {
	mu   sync.Mutex
	reqs []RegisterRequest
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/api/register" || req.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, body)
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Id: body.Id, Success: true})
}

func TestInstanceClass(t *testing.T) {
	for name, want := range map[string]int{"Cpu": CpuInstance, "": CpuInstance, "cuda": CudaInstance, "DML": DmlInstance, "rocm": RocmInstance} {
		got, err := InstanceClass(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := InstanceClass("tpu")
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	t.Run("Test send", func(t *testing.T) {
		reg := &registry{}
		srv := httptest.NewServer(reg)
		defer srv.Close()

		mock := clock.NewMock()
		mock.Set(time.Unix(1700000000, 0))
		hb := NewHeartbeat(Options{Registry: srv.URL + "/", IP: "10.0.0.5", Port: 8080, InstanceClass: CpuInstance, Clock: mock})
		resp, err := hb.Send(context.Background())
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, hb.ID(), resp.Id)
		require.Equal(t, 1, reg.count())
		assert.Equal(t, RegisterRequest{Id: hb.ID(), IP: "10.0.0.5", Port: 8080, InstanceClass: CpuInstance, TimeStamp: 1700000000}, reg.reqs[0])
	})

	t.Run("Test error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		_, err := NewHeartbeat(Options{Registry: srv.URL}).Send(context.Background())
		assert.ErrorContains(t, err, "503")
	})

	t.Run("Test run ticks", func(t *testing.T) {
		reg := &registry{}
		srv := httptest.NewServer(reg)
		defer srv.Close()

		mock := clock.NewMock()
		hb := NewHeartbeat(Options{Registry: srv.URL, Interval: 5 * time.Second, Clock: mock})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- hb.Run(ctx) }()

		require.Eventually(t, func() bool { return reg.count() == 1 }, 2*time.Second, 5*time.Millisecond)
		mock.Add(5 * time.Second)
		require.Eventually(t, func() bool { return reg.count() == 2 }, 2*time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
	})
}
