package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jot",
		Subsystem: "journal",
		Name:      "entries_appended_total",
		Help:      "Entries appended across all open journal files.",
	})

	dataObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jot",
		Subsystem: "journal",
		Name:      "data_objects_created_total",
		Help:      "Data objects created; appends of already-known payloads do not count.",
	})

	allocatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jot",
		Subsystem: "journal",
		Name:      "allocated_bytes_total",
		Help:      "File space allocated by arena growth.",
	})

	rotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jot",
		Subsystem: "journal",
		Name:      "rotations_total",
		Help:      "Completed file rotations.",
	})

	corruptSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jot",
		Subsystem: "journal",
		Name:      "corrupt_entries_skipped_total",
		Help:      "Entries skipped during iteration because they failed validation.",
	})
)
