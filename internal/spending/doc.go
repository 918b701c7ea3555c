// ABOUTME: Package spending enforces per-period spending caps for agents
// ABOUTME: Hard caps reject before recording; soft caps record and notify

// Package spending tracks agent spend per period and currency.
//
// Period keys are computed in the configured time zone:
//
//	daily:2026-10-19:USDC
//	weekly:2026-W42:USDC
//	monthly:2026-10:USDC
//
// A hard cap is checked atomically with the ledger write, so concurrent
// spends can never push a total past it. A breach leaves the ledger
// untouched and fails with spending_cap_exceeded. A soft cap never rejects;
// the spend is recorded and agent.spending_soft_cap is emitted for every
// spend that leaves the period total above it.
package spending
