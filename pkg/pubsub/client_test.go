package pubsub

import (
	"testing"

	"github.com/angelmondragon/orderflow-engine/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := map[string]string{
		"orders":                      "projects/demo/topics/orders",
		"  orders  ":                  "projects/demo/topics/orders",
		"projects/other/topics/stock": "projects/other/topics/stock",
		"":                            "",
	}
	for in, want := range cases {
		if got := topicResourceName("demo", in); got != want {
			t.Fatalf("topicResourceName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := topicResourceName("", "orders"); got != "" {
		t.Fatalf("expected empty name without project, got %q", got)
	}
}

func TestTopicNamesSkipsBlanks(t *testing.T) {
	names := topicNames(config.PubSubConfig{OrdersTopic: "orders", StockTopic: " "})
	if len(names) != 1 || names[0] != "orders" {
		t.Fatalf("unexpected topic names %v", names)
	}
}

func TestClientOptionsPreferInlineCredentials(t *testing.T) {
	if opts := clientOptions(config.GCPConfig{}); len(opts) != 0 {
		t.Fatalf("expected default credentials, got %d options", len(opts))
	}
	opts := clientOptions(config.GCPConfig{CredentialsJSON: `{"type":"service_account"}`, ApplicationCredentials: "/tmp/creds.json"})
	if len(opts) != 1 {
		t.Fatalf("expected a single credentials option, got %d", len(opts))
	}
}
