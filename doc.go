// Package structures holds the shared configuration and error vocabulary of
// the structures-manager service: a scheduler that leases molecular-structure
// files to a fleet of ephemeral, self-registering compute processors.
//
// Processors register over HTTP, receive a signed token, and then pull work,
// ping the leases they hold, and report a scalar result per file. Leases are
// reclaimed purely by timeout: a processor that stops pinging loses its files
// to the next claimer once the redistribution interval passes. A periodic
// registry cycle garbage-collects silent processors and re-balances the
// processing mode (one large file vs. many small files) across the fleet.
//
// Subsystems live in their own packages: processor (registry), lease (work
// lease manager), balancer (mode assignment), structure (work item contract),
// store/mongo and store/memory (catalog backends), api (HTTP surface),
// extractor (catalog ingestion), auth (token issuance), observability
// (metrics).
package structures
