// Package adapter holds the deliverers that push outbox events to their
// external destinations: webhook endpoints over HTTP, a message broker over
// AMQP, and export streams over Redis. Each adapter classifies its failures
// so the processor knows whether retrying can help.
package adapter
