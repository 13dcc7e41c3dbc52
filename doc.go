// Package outbox implements the transactional outbox pattern, ensuring reliable delivery
// of domain events to a message broker that shares no transaction with the database.
//
// The core of the pattern involves two main operations:
//
//  1. Writing: Records are stored durably in an "outbox" table as part of the application's
//     local database transaction. This ensures that the event is captured atomically with
//     the business mutation that produces it. If the transaction rolls back, the event
//     intent rolls back with it.
//
//  2. Relaying: A background worker claims batches of undelivered records, publishes them
//     to the broker, and deletes each record only after the broker has acknowledged it.
//     Records that fail to publish stay in the table and are retried on a later cycle,
//     which yields at-least-once delivery.
//
// This package provides the following components to integrate this pattern:
//   - A Writer to append records to the outbox table within the caller's transaction.
//   - A Relay background worker that drains the table into a broker, preserving the
//     relative order of records that share a partition key.
//   - A Producer interface describing the broker capability the relay consumes. A
//     Kafka implementation is available in the kafka subpackage.
//
// Multiple relay instances may poll the same table concurrently. Records are claimed
// with an expiring lease so that no two workers hold the same record at once, and a
// record behind a crashed worker becomes fetchable again once its lease runs out.
//
// Delivery is at least once: consumers must deduplicate using the record ID carried
// in the message headers.
package outbox
