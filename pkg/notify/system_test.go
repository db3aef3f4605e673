package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseARN(t *testing.T) {
	arn, err := ParseARN("arn:orbitfs:sqs:us-east-1:1:events")
	if err != nil {
		t.Fatalf("ParseARN: %v", err)
	}
	if arn.Service != "sqs" || arn.Region != "us-east-1" {
		t.Fatalf("arn = %+v", arn)
	}
	if arn.Target != (TargetID{ID: "1", Name: "events"}) {
		t.Fatalf("target = %+v", arn.Target)
	}

	for _, bad := range []string{
		"",
		"arn:orbitfs:sqs:us-east-1:1",
		"arn:orbitfs:sqs:us-east-1:1:events:extra",
		"nrn:orbitfs:sqs:us-east-1:1:events",
		"arn:orbitfs:sqs:us-east-1::events",
		"arn::sqs:us-east-1:1:events",
	} {
		if _, err := ParseARN(bad); err == nil {
			t.Errorf("ParseARN(%q) expected error", bad)
		}
	}
}

func TestTranslateConfigSkipsBadTargets(t *testing.T) {
	cfg := &Config{
		QueueConfigurations: []TargetConfig{
			{ARN: "arn:orbitfs:sqs:us-east-1:1:good", Events: []string{"s3:ObjectCreated:*"}},
			{ARN: "not-an-arn", Events: []string{"s3:ObjectCreated:*"}},
		},
		TopicConfigurations: []TargetConfig{
			{ARN: "arn:orbitfs:sns:us-east-1:1:topic", Events: []string{"s3:ObjectRemoved:*"}, FilterPrefix: "logs/"},
		},
	}
	rules, errs := TranslateConfig(cfg)
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[1].Prefix != "logs/" {
		t.Fatalf("prefix filter not carried: %+v", rules[1])
	}
}

func TestRuleMatches(t *testing.T) {
	r := Rule{
		Target: TargetID{ID: "1", Name: "t"},
		Events: []string{"s3:ObjectCreated:*"},
		Prefix: "img/",
		Suffix: ".png",
	}
	if !r.Matches("s3:ObjectCreated:Put", "img/cat.png") {
		t.Fatal("expected match")
	}
	if r.Matches("s3:ObjectRemoved:Delete", "img/cat.png") {
		t.Fatal("event type should not match")
	}
	if r.Matches("s3:ObjectCreated:Put", "doc/cat.png") {
		t.Fatal("prefix should not match")
	}
	if r.Matches("s3:ObjectCreated:Put", "img/cat.jpg") {
		t.Fatal("suffix should not match")
	}
}

func TestAddRulesRequiresRegisteredTarget(t *testing.T) {
	s, err := NewSystem(nil, nil)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	defer s.Shutdown(context.Background())

	rule := Rule{Target: TargetID{ID: "1", Name: "missing"}, Events: []string{"s3:ObjectCreated:*"}}
	if err := s.AddRules(context.Background(), "b", "us-east-1", []Rule{rule}); !errors.Is(err, ErrTargetUnknown) {
		t.Fatalf("AddRules unknown target: %v", err)
	}

	id := TargetID{ID: "1", Name: "log"}
	if err := s.RegisterTarget(NewLogTarget(id, nil)); err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	rule.Target = id
	if err := s.AddRules(context.Background(), "b", "us-east-1", []Rule{rule}); err != nil {
		t.Fatalf("AddRules: %v", err)
	}
	if got := s.RulesFor("b"); len(got) != 1 {
		t.Fatalf("RulesFor = %+v", got)
	}
}

func TestPublishDeliversToWebhook(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSystem(nil, nil)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	defer s.Shutdown(context.Background())

	id := TargetID{ID: "1", Name: "hook"}
	if err := s.RegisterTarget(NewWebhookTarget(id, srv.URL, srv.Client())); err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	rule := Rule{Target: id, Events: []string{"s3:ObjectCreated:*"}}
	if err := s.AddRules(context.Background(), "pics", "us-east-1", []Rule{rule}); err != nil {
		t.Fatalf("AddRules: %v", err)
	}

	s.Publish(Event{Type: "s3:ObjectCreated:Put", Bucket: "pics", Key: "a.png"})

	select {
	case ev := <-received:
		if ev.Bucket != "pics" || ev.Key != "a.png" {
			t.Fatalf("delivered event = %+v", ev)
		}
		if ev.ID == "" {
			t.Fatal("event ID not assigned")
		}
		if ev.Region != "us-east-1" {
			t.Fatalf("region = %q", ev.Region)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestShutdownIdempotentAndStopsPublish(t *testing.T) {
	s, err := NewSystem(nil, nil)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	s.Publish(Event{Type: "s3:ObjectCreated:Put", Bucket: "b", Key: "k"})
	if _, dropped, _ := s.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
	if err := s.AddRules(context.Background(), "b", "", nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("AddRules after shutdown: %v", err)
	}
}
