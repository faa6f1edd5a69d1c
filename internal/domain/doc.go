// Package domain models citizen-submitted coastal hazard reports and the
// records derived from them on the way to an alert.
//
// # Records
//
// A [Report] is created once, on ingestion, by [Normalize] and is never
// mutated afterwards except for its attached [VerificationResult]. Report IDs
// are deterministic SHA-256 hashes of reporter|hazard|lat|lon|timestamp|text,
// so replaying the same submission (for example after a Kafka redelivery)
// produces the same ID and downstream upserts stay idempotent.
//
// A [Hotspot] groups corroborating credible reports of one hazard type. Its
// lifecycle is:
//
//	forming ──(escalation threshold)──▶ active ──(second threshold or critical)──▶ escalated
//	   │                                  │                                             │
//	   └──────(inactivity)──▶ resolved ◀──┘◀──────(cool-down, no open alerts)───────────┘
//
// resolved is terminal. Only the edges into active and escalated produce an
// alert trigger (see [Transition.Alerting]).
//
// An [AlertTask] is one unit of delivery work for one subscriber on one
// channel. It moves pending → (failed → pending)* → sent | exhausted.
//
// # Coordinates
//
// Coordinates are WGS-84 degrees rounded to [CoordinatePrecision] decimal
// places (about 1.1 m at the equator) so that distance math downstream is
// stable across replays. Distances are great-circle kilometres ([Distance]).
//
// # Severity
//
// Severity is an ordered four-level scale (low < medium < high < critical).
// A report's severity starts from the hazard type's base level and can be
// raised one level by a high oracle confidence and one level by urgent
// language in the description, capped at critical. See [DeriveSeverity].
package domain
