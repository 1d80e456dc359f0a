// Package stats exposes bridge counters to prometheus.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BindResults counts bind outcomes by LDAP result label.
	BindResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "bind_results_total",
		Help:      "Bind operations by result.",
	}, []string{"result"})

	// Searches counts search requests received.
	Searches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "search_requests_total",
		Help:      "Search requests received.",
	})

	// EntriesReturned counts directory entries written to clients.
	EntriesReturned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "search_entries_total",
		Help:      "Entries returned by search operations.",
	})

	// BackendErrors counts requests failed by relational store trouble.
	BackendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "backend_errors_total",
		Help:      "Requests failed because the relational store was unavailable.",
	})

	// PrivilegeDenials counts attribute-level access refusals.
	PrivilegeDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "privilege_denials_total",
		Help:      "Operations denied by attribute visibility rules.",
	})

	// SchemaPublications counts accepted schema versions.
	SchemaPublications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldapbridge",
		Name:      "schema_publications_total",
		Help:      "Schema versions published.",
	})
)
