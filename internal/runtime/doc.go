/*
Package runtime provides the core fan-out and queueing machinery for fanflow.

# Architecture Overview

The runtime package implements an in-process pub-sub core: topics fan
envelopes out to subscribed queues, queues hand deliveries to consumers under
visibility timeouts, and a service type wires the pieces behind one
lifecycle.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator. It builds a backend from
Config, owns the metrics collector, hosts the HTTP servers for metrics and
the debug API, and runs the registered consumer runners.

## Queueing (queue.go, topic.go, registry.go, bus.go)

Queue implements the durable queue semantics: capacity limits, receive
ordering, visibility timeouts, receipt invalidation, and dead-letter parking
with redrive. Topic fans one envelope out to every subscription in a
registry snapshot. Bus composes queues, topics, and the subscription
registry into the broker-facing clients used by the memory backend.

## Consumption (runner.go, producer.go, typed.go)

Runner is the receive/handle/acknowledge loop with poll backoff, panic
containment, and delivery tracing. Producer builds envelopes and publishes
them to one topic. JSONHandler adapts typed functions into runner handlers.

## Observability (metrics.go, debugapi.go, resources.go, hooks.go)

Metrics collects Prometheus counters and histograms per topic and queue.
The debug API exposes runner states and the dead-letter store over HTTP.
DeliveryHooks invoke callbacks around handler execution.

Backend implementations live under the broker package tree; this package has
no knowledge of SNS/SQS or other external systems.
*/
package runtime
