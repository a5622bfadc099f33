package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/genpipe/internal/config"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockReportsPendingThenDone(t *testing.T) {
	ctx := context.Background()
	m := NewMock(2)

	h, err := m.Submit(ctx, job.Request{Kind: job.KindAudio, Text: "Good girl."})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := m.FetchResult(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, res.Status)
	}
	res, err := m.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "mock-audio:Good girl.", string(res.Payload))

	res, err = m.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status, "handle is consumed once done")
}

func TestMockCancelDropsHandle(t *testing.T) {
	ctx := context.Background()
	m := NewMock(5)
	h, err := m.Submit(ctx, job.Request{Kind: job.KindImage, Prompt: "a fox"})
	require.NoError(t, err)

	require.NoError(t, m.(Canceler).Cancel(ctx, h))
	res, err := m.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
}

func TestExecRunsCommand(t *testing.T) {
	cmd := `sh -c 'cat >/dev/null; echo "{\"payload_base64\":\"aGk=\"}"; echo "{\"payload_base64\":\"IQ==\",\"final\":true}"'`
	a, err := NewExec(cmd)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := a.Submit(ctx, job.Request{Kind: job.KindAudio, Text: "hi"})
	require.NoError(t, err)

	var res Result
	require.Eventually(t, func() bool {
		res, err = a.FetchResult(ctx, h)
		return err == nil && res.Status != StatusPending
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "hi!", string(res.Payload))
}

func TestExecReportsCommandError(t *testing.T) {
	a, err := NewExec(`sh -c 'cat >/dev/null; echo "{\"error\":\"voice missing\"}"'`)
	require.NoError(t, err)

	ctx := context.Background()
	h, err := a.Submit(ctx, job.Request{Kind: job.KindAudio, Text: "hi"})
	require.NoError(t, err)

	var res Result
	require.Eventually(t, func() bool {
		res, err = a.FetchResult(ctx, h)
		return err == nil && res.Status != StatusPending
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorContains(t, res.Err, "voice missing")
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	_, err := NewExec("   ")
	assert.Error(t, err)
}

type fakeJobAPI struct {
	mu       sync.Mutex
	polls    int
	deleted  []string
	received job.Request
}

func (f *fakeJobAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req job.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Prompt == "forbidden" {
			http.Error(w, "content policy", http.StatusUnprocessableEntity)
			return
		}
		if req.Prompt == "overloaded" {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		f.mu.Lock()
		f.received = req
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()
		if polls < 2 {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":         "done",
			"payload_base64": base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		})
	})
	mux.HandleFunc("DELETE /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestHTTPSubmitAndPoll(t *testing.T) {
	api := &fakeJobAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	a := NewHTTP(srv.URL+"/", time.Second)
	ctx := context.Background()

	h, err := a.Submit(ctx, job.Request{Kind: job.KindImage, Prompt: "a fox", Size: "512x512"})
	require.NoError(t, err)
	assert.Equal(t, Handle("job-1"), h)
	assert.Equal(t, "512x512", api.received.Size)

	res, err := a.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	res, err = a.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []byte("png-bytes"), res.Payload)

	res, err = a.FetchResult(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)

	require.NoError(t, a.(Canceler).Cancel(ctx, h))
	assert.Equal(t, []string{"job-1"}, api.deleted)
}

func TestHTTPSubmitErrors(t *testing.T) {
	srv := httptest.NewServer((&fakeJobAPI{}).handler())
	defer srv.Close()
	a := NewHTTP(srv.URL, time.Second)

	_, err := a.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "forbidden"})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = a.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "overloaded"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSAdapter(t *testing.T) {
	nc := startNATS(t)

	_, err := nc.Subscribe("provider.audio.submit", func(msg *nats.Msg) {
		var req job.Request
		_ = json.Unmarshal(msg.Data, &req)
		if req.Text == "" {
			_ = msg.Respond([]byte(`{"rejected":true,"error":"text required"}`))
			return
		}
		_ = msg.Respond([]byte(`{"handle":"h-42"}`))
	})
	require.NoError(t, err)
	_, err = nc.Subscribe("provider.audio.result", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"status":"done","payload_base64":"` + base64.StdEncoding.EncodeToString([]byte("wav")) + `"}`))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	a := NewNATS(nc, "provider.audio")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := a.Submit(ctx, job.Request{Kind: job.KindAudio, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, Handle("h-42"), h)

	res, err := a.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []byte("wav"), res.Payload)

	_, err = a.Submit(ctx, job.Request{Kind: job.KindAudio})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestNATSAdapterNoResponders(t *testing.T) {
	nc := startNATS(t)
	a := NewNATS(nc, "provider.image")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Submit(ctx, job.Request{Kind: job.KindImage, Prompt: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestFactory(t *testing.T) {
	a, err := New(config.ProviderConfig{Mode: "disabled"}, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(config.ProviderConfig{Mode: "mock"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = New(config.ProviderConfig{Mode: "nats", SubjectPrefix: "p"}, nil)
	assert.Error(t, err)

	_, err = New(config.ProviderConfig{Mode: "smoke-signals"}, nil)
	assert.Error(t, err)
}
