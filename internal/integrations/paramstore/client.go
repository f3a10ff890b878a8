package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (the OpenAI and Slack clients, the coordinator) depend on this
// interface rather than a concrete source so they remain testable without
// real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Env resolves parameters from environment variables for local runs.
// "/persona-relay/slack-signing-secret" under prefix "/persona-relay" is read
// from SLACK_SIGNING_SECRET.
type Env struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnv creates an environment-backed Getter for names under prefix.
func NewEnv(prefix string) *Env {
	return &Env{prefix: strings.TrimRight(strings.TrimSpace(prefix), "/"), lookup: os.LookupEnv}
}

func (e *Env) GetParameter(_ context.Context, name string) (string, error) {
	key := EnvKey(e.prefix, name)
	if key == "" {
		return "", errors.New("paramstore: name is required")
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("paramstore: environment variable %s is not set", key)
	}
	return v, nil
}

// EnvKey maps a parameter name to the environment variable Env reads.
func EnvKey(prefix, name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), prefix)
	name = strings.Trim(name, "/")
	if name == "" {
		return ""
	}
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(r.Replace(name))
}

// Cache memoizes successful lookups. Failures are not cached, so a transient
// SSM error is retried by the next caller.
type Cache struct {
	src Getter

	mu   sync.RWMutex
	vals map[string]string
}

// NewCache wraps src with a process-lifetime cache.
func NewCache(src Getter) (*Cache, error) {
	if src == nil {
		return nil, errors.New("paramstore: source must not be nil")
	}
	return &Cache{src: src, vals: make(map[string]string)}, nil
}

func (c *Cache) GetParameter(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	v, ok := c.vals[name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.src.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.vals[name] = v
	c.mu.Unlock()
	return v, nil
}
