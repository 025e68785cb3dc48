package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
)

var sample = model.Outbound{
	MessageID:   "m-1",
	CampaignID:  "c-1",
	TenantID:    "t-1",
	Phone:       "+593987654321",
	Body:        "Hola Ana",
	TemplateRef: "promo_octubre",
	Variables:   model.Vars{"nombre": "Ana"},
}

type captureQueue struct {
	mu     sync.Mutex
	topic  string
	bodies [][]byte
	err    error
}

func (q *captureQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.topic = topic
	q.bodies = append(q.bodies, body)
	return nil
}

func (q *captureQueue) Subscribe(string, queue.Handler) error { return nil }
func (q *captureQueue) Close() error                          { return nil }

func TestQueueTransport_PublishesJob(t *testing.T) {
	q := &captureQueue{}
	tr := NewQueueTransport(q, "campaign_sends")

	id, err := tr.Deliver(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, "campaign_sends", q.topic)

	require.Len(t, q.bodies, 1)
	var job Job
	require.NoError(t, json.Unmarshal(q.bodies[0], &job))
	assert.Equal(t, "+593987654321", job.To)
	assert.Equal(t, "Hola Ana", job.Body)
	assert.Equal(t, "Ana", job.Variables["nombre"])
}

func TestQueueTransport_BrokerErrorIsTransient(t *testing.T) {
	q := &captureQueue{err: errors.New("broker nack for delivery 7")}
	tr := NewQueueTransport(q, "campaign_sends")

	_, err := tr.Deliver(context.Background(), sample)
	require.Error(t, err)
	assert.False(t, sender.IsPermanent(err.Error()))
}

func TestNew_DryRunDrainsJobs(t *testing.T) {
	q := queue.NewInMemoryQueue(queue.Config{RetryDelay: time.Millisecond}, zerolog.Nop())
	tr, err := New(Config{Kind: "dryrun"}, q, zerolog.Nop())
	require.NoError(t, err)

	id, err := tr.Deliver(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	require.NoError(t, q.Close())
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "carrier-pigeon"}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Kind: "http"}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestHTTPTransport_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req providerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+593987654321", req.To)
		assert.Equal(t, "promo_octubre", req.TemplateRef)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "wamid.123"})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(Config{URL: srv.URL, Token: "secret", Timeout: time.Second})
	id, err := tr.Deliver(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", id)
}

func TestHTTPTransport_ProviderErrorText(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      string
		permanent bool
	}{
		{"error field", http.StatusBadRequest, `{"error":"Recipient phone number not registered"}`, "Recipient phone number not registered", true},
		{"message field", http.StatusTooManyRequests, `{"message":"rate limit hit"}`, "rate limit hit", false},
		{"no body", http.StatusBadGateway, ``, "provider status 502 Bad Gateway", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(Config{URL: srv.URL, Timeout: time.Second})
			_, err := tr.Deliver(context.Background(), sample)
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
			assert.Equal(t, tt.permanent, sender.IsPermanent(err.Error()))
		})
	}
}

func TestRelayConsumer(t *testing.T) {
	job, err := json.Marshal(Job{MessageID: "m-1", To: sample.Phone, Body: sample.Body, Variables: sample.Variables})
	require.NoError(t, err)

	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"delivered", nil, false},
		{"transient is retried", errors.New("provider status 503 Service Unavailable"), true},
		{"permanent is dropped", errors.New("número no registrado"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got model.Outbound
			provider := sender.TransportFunc(func(_ context.Context, out model.Outbound) (string, error) {
				got = out
				return "prov-1", tc.err
			})
			err := RelayConsumer(provider, zerolog.Nop())(context.Background(), job)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, sample.Phone, got.Phone)
			assert.Equal(t, "Ana", got.Variables["nombre"])
		})
	}

	called := false
	provider := sender.TransportFunc(func(context.Context, model.Outbound) (string, error) {
		called = true
		return "", nil
	})
	assert.NoError(t, RelayConsumer(provider, zerolog.Nop())(context.Background(), []byte("{not json")))
	assert.False(t, called)
}
