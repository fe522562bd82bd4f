// Package app composes the canvas service into a running application.
// It wires storage, the payment pipeline, and the HTTP surface together;
// business logic itself lives in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── cell/           # Grid cells and coordinates
//	│   └── payment/        # Settled payment records
//	├── storage/            # Ledger store interface and implementations
//	│   ├── interfaces.go   # LedgerStore contract and sentinel errors
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/canvas/    # Claim pricing, settlement, and snapshots
//	├── x402/               # Payment challenge protocol and facilitator client
//	├── httpapi/            # HTTP handlers, admin auth, audit, websocket stream
//	├── notify/             # In-process fan-out of cell updates
//	├── codec/              # Binary canvas snapshot encoding
//	├── pricing/            # Linear per-claim price escalation
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing the canvas service with its store, facilitator, and hub
//   - Defining the storage interface the service depends on
//   - Providing domain models shared across packages
//   - Exposing the HTTP API, including the payment challenge flow
//   - Managing application-level concerns (auth, metrics, lifecycle)
//
// cmd/canvasd builds the Application from internal/config and serves it.
package app
