// Package pubsub owns the Pub/Sub v2 client for inventory events and
// notification fan-out.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type resourceKind string

const (
	kindTopic        resourceKind = "topics"
	kindSubscription resourceKind = "subscriptions"
)

var errProjectIDRequired = errors.New("gcp project id is required")

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

type resource struct {
	kind resourceKind
	name string
}

// NewClient connects and checks that every configured topic and
// subscription exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	psClient, err := pubsub.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, projectID: projectID, cfg: cfg}

	if err := c.checkResources(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "resources", len(configuredResources(cfg))), "pubsub client initialized")
	}
	return c, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func configuredResources(cfg config.PubSubConfig) []resource {
	var out []resource
	add := func(kind resourceKind, name string) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, resource{kind: kind, name: trimmed})
		}
	}
	add(kindSubscription, cfg.InventorySubscription)
	add(kindTopic, cfg.NotificationTopic)
	return out
}

func (c *Client) checkResources(ctx context.Context) error {
	for _, res := range configuredResources(c.cfg) {
		full := c.resourceName(res.kind, res.name)
		var err error
		switch res.kind {
		case kindSubscription:
			_, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
		case kindTopic:
			_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
		}
		if err == nil {
			continue
		}
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(string(res.kind), "s"), res.name)
		}
		return fmt.Errorf("checking %s: %w", full, err)
	}
	return nil
}

// Subscription returns a subscriber for a subscription ID or full resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	full := c.resourceName(kindSubscription, name)
	if full == "" {
		return nil
	}
	return c.client.Subscriber(full)
}

// InventorySubscription returns the subscriber for inventory decrement events.
func (c *Client) InventorySubscription() *pubsub.Subscriber {
	if c == nil {
		return nil
	}
	return c.Subscription(c.cfg.InventorySubscription)
}

// Publisher returns a publisher for a topic ID or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	full := c.resourceName(kindTopic, name)
	if full == "" {
		return nil
	}
	return c.client.Publisher(full)
}

// NotificationPublisher returns the publisher for realtime notification events.
func (c *Client) NotificationPublisher() *pubsub.Publisher {
	if c == nil {
		return nil
	}
	return c.Publisher(c.cfg.NotificationTopic)
}

// Ping re-checks the configured topics and subscriptions.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.checkResources(ctx)
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short ID to projects/<p>/<kind>/<id>. Full names of
// the same kind pass through unchanged.
func (c *Client) resourceName(kind resourceKind, name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+string(kind)+"/") {
		return n
	}
	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}
