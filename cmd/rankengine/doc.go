// Command rankengine runs the keyword position check engine.
//
// Subcommands:
//   - serve: HTTP API plus the refresh and reaper schedules. Jobs created over
//     the API run in-process, one goroutine per job.
//   - reap: one stuck-job sweep, for running from an external scheduler.
//   - refresh --frequency daily|weekly: one bulk refresh pass.
//   - migrate: apply the embedded Postgres migrations.
//
// Configuration comes from an optional YAML file (--config) and RANKER_*
// environment variables; a local .env file is loaded first when present.
// Without a database DSN the engine uses in-memory stores, and without
// provider credentials it synthesizes rank results.
package main
