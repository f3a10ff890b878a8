package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"persona-relay/internal/usecase"
)

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func TestNewLambdaAdapter_ValidatesHandler(t *testing.T) {
	_, err := NewLambdaAdapter(nil)
	require.Error(t, err)
}

func TestLambdaAdapter_Chat(t *testing.T) {
	svc := &stubCoordinator{turnOut: usecase.TurnOutput{ConversationID: "conv-1"}}
	a, err := NewLambdaAdapter(newTestHandler(t, svc, func(o *Options) { o.Streaming = false }))
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/chat", `{"message":"What do you do?","conversation_id":"conv-1"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	event.RequestContext.Identity.SourceIP = "203.0.113.7"

	resp, err := a.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"response":null,"conversation_id":"conv-1"}`, resp.Body)
	require.Equal(t, "corr-123", resp.Headers[headerCorrelationID])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Equal(t, "What do you do?", svc.turnIn.Message)
}

func TestLambdaAdapter_Base64Body(t *testing.T) {
	svc := &stubCoordinator{}
	a, err := NewLambdaAdapter(newTestHandler(t, svc, nil))
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/chat/closed", base64.StdEncoding.EncodeToString([]byte(`{"conversation_id":"conv-1","message":"bye"}`)))
	event.IsBase64Encoded = true

	resp, err := a.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "bye", svc.lifeNote)
}

func TestLambdaAdapter_InvalidBase64(t *testing.T) {
	a, err := NewLambdaAdapter(newTestHandler(t, &stubCoordinator{}, nil))
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/chat", "%%%")
	event.IsBase64Encoded = true
	resp, err := a.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"error":"INVALID_INPUT"}`, resp.Body)
}

func TestLambdaAdapter_PathParametersAndHealth(t *testing.T) {
	svc := &stubCoordinator{}
	a, err := NewLambdaAdapter(newTestHandler(t, svc, nil))
	require.NoError(t, err)

	resp, err := a.Handle(context.Background(), makeEvent(http.MethodGet, "/messages/conv-9", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "conv-9", svc.fetchID)

	resp, err = a.Handle(context.Background(), makeEvent(http.MethodGet, "", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", resp.Body)
}

func TestToHTTPRequest_MergesHeadersAndQuery(t *testing.T) {
	event := events.APIGatewayProxyRequest{
		HTTPMethod:                      "get",
		Path:                            "/messages/conv-1",
		Headers:                         map[string]string{"X-One": "a"},
		MultiValueHeaders:               map[string][]string{"X-Two": {"b", "c"}},
		QueryStringParameters:           map[string]string{"since": "1"},
		MultiValueQueryStringParameters: map[string][]string{"tag": {"x", "y"}},
	}
	req, err := toHTTPRequest(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/messages/conv-1", req.URL.Path)
	require.Equal(t, "a", req.Header.Get("X-One"))
	require.Equal(t, []string{"b", "c"}, req.Header.Values("X-Two"))
	require.Equal(t, "1", req.URL.Query().Get("since"))
	require.Equal(t, []string{"x", "y"}, req.URL.Query()["tag"])
}
