/*
Package store implements a local on-disk mail store with two backends:
Maildir (one message per file, flags encoded in the filename) and MH (one
message per file, flags recorded in a .mh_sequences file).

A Mailbox is opened on a directory, scanned into an in-memory list of message
records, and synced back to disk after flag changes, deletions or header
edits. Parsed headers are memoized in a header cache (package hcache) keyed by
the canonical filename, so reopening a large mailbox does not reparse every
message. External modification by other mail agents is detected by comparing
directory mtimes and diffing a fresh enumeration against the known records.

The store is single-threaded per mailbox. Long operations take a context and
poll it between records.
*/
package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/varmail/mstore/mlog"
)

var xlog = mlog.New("store")

var (
	metricScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_scan_messages_total",
			Help: "Messages seen during mailbox enumeration, by backend.",
		},
		[]string{"kind"},
	)
	metricParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_parse_total",
			Help: "Deferred header parses, by source (cache or file).",
		},
		[]string{"source"},
	)
	metricSync = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstore_sync_actions_total",
			Help: "Sync engine filesystem actions.",
		},
		[]string{"action"}, // rename, unlink, tombstone, rewrite
	)
	metricCommitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mstore_commit_collisions_total",
			Help: "Name collisions retried while committing new messages.",
		},
	)
)
