// Package cosmos provides the Azure Cosmos DB (NoSQL API) adapter of the
// store.Persistence contract.
//
// All checkpoints live in one container partitioned by /thread_id, with the
// checkpoint id as item id, so every read, query and delete stays inside one
// partition. Initialize creates the database and the container (400 RU/s
// manual throughput) when missing.
//
// Overwriting a checkpoint patches state, metadata and updated_at instead of
// replacing the item, which keeps created_at.
//
// Clearing a thread queries its item ids and deletes them in parallel. A
// failed delete does not stop the others; the failures are joined into one
// error and DeleteState reports false.
//
// The Container interface hides the SDK so tests can use an in-memory fake.
package cosmos
