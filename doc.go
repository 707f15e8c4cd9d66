// Package fanflow is a pub-sub fan-out core with durable queues. Producers
// publish envelopes to named topics; every queue subscribed to the topic
// receives its own copy, optionally narrowed by an attribute filter. Queues
// hand out deliveries under a visibility timeout: a consumer that acknowledges
// in time removes the entry, one that does not sees it redelivered, and an
// entry that exhausts its receive budget is parked in a dead-letter store for
// inspection and redrive.
//
// Service hosts the wiring: it builds a backend from Config, exposes Producer
// for publishing and Runner for the receive/handle/acknowledge loop, and
// serves Prometheus metrics when enabled. A minimal setup fills Config,
// creates a Service, registers runners, and calls Start.
//
// # Backends
//
// Two backends ship out of the box:
//   - memory: In-process topics and queues with fan-out outcomes, dead-letter
//     introspection, and redrive. Suited to tests and single-process use.
//   - aws: SNS topics and SQS queues with server-side filter policies, raw
//     message delivery, and redrive policies. LocalStack is supported via
//     Config.AWSEndpoint.
//
// Additional backends register themselves through RegisterBackend.
//
// # Delivery hooks
//
// DeliveryHooks provides OnDeliveryStart, OnDeliveryDone, and OnDeliveryError
// callbacks around handler execution for custom logging, metrics, and
// alerting. Hooks set on ServiceDependencies apply to every runner and merge
// with per-runner hooks.
//
// The broker package holds the backend-facing interfaces, and broker/wmbridge
// adapts queues and topics to Watermill's Publisher and Subscriber so existing
// Watermill handlers can consume fanflow queues unchanged.
package fanflow
