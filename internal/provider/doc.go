// Package provider holds the call-mode logic shared by rank provider clients:
// selecting the tracked domain from organic results, computing backfill
// dates, filling historical gaps, retrying transient failures, and layering
// the best-effort keyword metrics lookup over a primary client.
package provider
