// Package client provides the `quarry` command-line client.
//
// The CLI talks to the quarry HTTP API to perform common queue and
// artifact operations from a terminal. It is primarily intended for
// developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads QUARRY_HTTP
// and defaults to http://127.0.0.1:7420.
//
// Usage
//
//	quarry queue ensure --name ingest --max-attempts 5 --lease-ms 30000
//
//	quarry queue enqueue \
//	    --name ingest \
//	    --data '{"source":"wiki","uri":"https://w/p1"}' \
//	    --dedupe-key fetch-p1 --priority 10
//
//	quarry queue claim --name ingest --worker-id op-1
//	quarry queue complete --name ingest --id ITEM_HEX --run-id RUN_HEX
//	quarry queue complete --name ingest --id ITEM_HEX --run-id RUN_HEX --error "upstream 503"
//
//	quarry queue stats --name ingest
//	quarry queue failures --name ingest --filter 'error.contains("timeout")'
//	quarry queue averages --name ingest --sample 500
//
//	# Dead-letter triage
//	quarry dead ls --name ingest --filter 'attempt_count >= 5'
//	quarry dead requeue --name ingest --id ITEM_HEX
//
//	# Artifacts
//	quarry artifact put --key reports/daily --file report.json
//	quarry artifact get --key reports/daily --meta
//	quarry artifact stats
//
// Notes
//
//   - claim prints the leased item with its payload decoded as JSON or
//     text when possible; a 204 from the server prints "no ready work".
//   - failures and dead ls accept CEL filter expressions evaluated
//     server-side against run and item fields.
package client
