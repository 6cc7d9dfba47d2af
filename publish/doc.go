// Package publish delivers committed Event Streams to Processors
// (subscribers, projections, process managers), in strictly increasing
// version order for each Aggregate, regardless of the order in which
// the streams are received.
//
// Delivery progress is recorded per (processor, aggregate) in a VersionStore,
// so that redelivered Event Streams are recognized and not handled twice.
package publish
