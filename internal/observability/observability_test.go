package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	keys    []string
	headers []map[string]string
	err     error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, routingKey string, _ interface{}, headers map[string]string) error {
	p.keys = append(p.keys, routingKey)
	p.headers = append(p.headers, headers)
	return p.err
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "ws_events.chats", EventEnvelope{}, nil))
}

func TestPublishEventForwardsHeaders(t *testing.T) {
	pub := &recordingPublisher{}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	err := PublishEvent(context.Background(), "ws_events.chats", EventEnvelope{EventName: "ws_connect"}, BuildHeaders("req-1", "trace-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ws_events.chats"}, pub.keys)
	assert.Equal(t, map[string]string{"x-request-id": "req-1", "trace_id": "trace-1"}, pub.headers[0])
}

func TestPublishEventReturnsPublisherError(t *testing.T) {
	pub := &recordingPublisher{err: assert.AnError}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	assert.ErrorIs(t, PublishEvent(context.Background(), "k", EventEnvelope{}, nil), assert.AnError)
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", IPFromRequest(req))
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "chat-service", "test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestPublishEventStampsOccurredAt(t *testing.T) {
	var got EventEnvelope
	SetPublisher(publisherFunc(func(msg interface{}) { got = msg.(EventEnvelope) }))
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), "ws_events.chats", EventEnvelope{EventName: "ws_error"}, nil))
	assert.NotEmpty(t, got.OccurredAt)
	assert.Equal(t, "ws_error", got.EventName)
}

type publisherFunc func(msg interface{})

func (f publisherFunc) PublishJSON(_ context.Context, _ string, msg interface{}, _ map[string]string) error {
	f(msg)
	return nil
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(200, c.GetString(RequestIDKey)) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, rec.Body.String())
	assert.Equal(t, rec.Body.String(), rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "given")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "given", rec.Body.String())
}

func TestDeviceIDFallsBackToQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/chats/x?device_id=phone-1", nil)
	assert.Equal(t, "phone-1", DeviceIDFromRequest(req))

	req.Header.Set("X-Device-Id", "laptop")
	assert.Equal(t, "laptop", DeviceIDFromRequest(req))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}
